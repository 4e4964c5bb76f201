package crawler

import (
	"strings"
)

// NoImage is stored in Record.ImageURL when a listing shows an image slot without a source.
const NoImage = "No image URL"

// Column headers used by the persisted record files, in field order.
const (
	ColumnTitle    = "Title"
	ColumnPrice    = "Price"
	ColumnLink     = "Link"
	ColumnImageURL = "Image Link"
	ColumnSoldDate = "Sold Date"
)

// Columns lists the persisted header row in field order.
var Columns = []string{ColumnTitle, ColumnPrice, ColumnLink, ColumnImageURL, ColumnSoldDate}

// Record is one sold listing.
type Record struct {
	Title    string `json:"title"`
	Price    string `json:"price"`
	Link     string `json:"link"`
	ImageURL string `json:"image_url"`
	SoldDate string `json:"sold_date"`
}

// Key returns the normalized link identifying the real-world listing.
func (r Record) Key() string {
	return NormalizeLink(r.Link)
}

// Complete reports whether every field carries a value.
func (r Record) Complete() bool {
	return r.Title != "" && r.Price != "" && r.Link != "" && r.ImageURL != "" && r.SoldDate != ""
}

// Row returns the record as a slice ordered like Columns.
func (r Record) Row() []string {
	return []string{r.Title, r.Price, r.Link, r.ImageURL, r.SoldDate}
}

// NormalizeLink strips everything from the first '?'. A fragment without a
// query string is kept.
func NormalizeLink(raw string) string {
	link := strings.TrimSpace(raw)
	if i := strings.IndexByte(link, '?'); i >= 0 {
		link = link[:i]
	}
	return link
}

// EntityKey derives the persistence key for an entity name.
// "Kevin Agudelo" becomes "kevin_agudelo".
func EntityKey(name string) string {
	fields := strings.Fields(strings.ToLower(name))
	key := strings.Join(fields, "_")
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' {
			return '_'
		}
		return r
	}, key)
}

// FetchRequest fully determines one upstream query. It is a value type.
type FetchRequest struct {
	Entity string
	Region Region
	Page   int
}

// PageResult is what one fetched page yields after extraction.
type PageResult struct {
	Records     []Record
	HasNextPage bool
	// Containers is the number of listing containers found, ad slots included.
	Containers int
	// Skipped counts containers dropped for missing sub-fields.
	Skipped int
}

// EntityResult summarizes the ingestion of one entity.
type EntityResult struct {
	Entity    string `json:"entity"`
	Key       string `json:"key"`
	Collected int    `json:"collected"`
	Ingested  int    `json:"ingested"`
	Stored    int    `json:"stored"`
	Error     string `json:"error,omitempty"`
}

// Failed reports whether the entity pipeline ended with an error.
func (r EntityResult) Failed() bool {
	return r.Error != ""
}
