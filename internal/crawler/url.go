package crawler

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// DefaultSearchURL is the sold-listings search endpoint.
const DefaultSearchURL = "https://www.ebay.com/sch/i.html"

// Region is a named upstream query parameter preset used to broaden coverage.
type Region struct {
	Name   string            `mapstructure:"name"`
	Params map[string]string `mapstructure:"params"`
}

// DefaultRegions mirrors the location preference codes the search page offers.
func DefaultRegions() []Region {
	return []Region{
		{Name: "international", Params: map[string]string{"LH_PrefLoc": "2"}},
		{Name: "domestic", Params: map[string]string{"LH_PrefLoc": "1"}},
		{Name: "continent", Params: map[string]string{"LH_PrefLoc": "3"}},
	}
}

// SearchEndpoint builds upstream query URLs from fetch requests.
type SearchEndpoint struct {
	BaseURL string
	// Fixed parameters sent with every query (sold/completed flags, sort order, page size).
	Fixed map[string]string
}

// NewSearchEndpoint returns the endpoint with the default fixed parameters:
// sold and completed listings, 240 results per page, newest first.
func NewSearchEndpoint(baseURL string) SearchEndpoint {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultSearchURL
	}
	return SearchEndpoint{
		BaseURL: baseURL,
		Fixed: map[string]string{
			"_from":       "R40",
			"LH_Sold":     "1",
			"LH_Complete": "1",
			"_ipg":        "240",
			"_sop":        "10",
			"rt":          "nc",
			"_sacat":      "0",
		},
	}
}

// URL renders the query for req. Region parameters override fixed ones; the
// query term and page number override both.
func (e SearchEndpoint) URL(req FetchRequest) (string, error) {
	if strings.TrimSpace(req.Entity) == "" {
		return "", fmt.Errorf("fetch request has no query term")
	}
	if req.Page < 1 {
		return "", fmt.Errorf("page must be >= 1, got %d", req.Page)
	}
	u, err := url.Parse(e.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse search url: %w", err)
	}
	q := u.Query()
	for k, v := range e.Fixed {
		q.Set(k, v)
	}
	for k, v := range req.Region.Params {
		q.Set(k, v)
	}
	q.Set("_nkw", req.Entity)
	q.Set("_pgn", strconv.Itoa(req.Page))
	// Encode sorts by key, keeping the URL stable for a given request.
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// RegionNames lists region names in order, for logging.
func RegionNames(regions []Region) []string {
	names := make([]string, 0, len(regions))
	for _, r := range regions {
		names = append(names, r.Name)
	}
	return names
}
