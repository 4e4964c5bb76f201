// Package extract turns one fetched search page into listing records.
//
// All markup knowledge lives in Selectors; when the upstream page layout
// changes, only the selector configuration needs updating.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/ThachTung/WebScraper/internal/crawler"
)

// DefaultSkip is the number of leading containers dropped from every page.
// The first slots on a result page are promotional placeholders, not sales.
const DefaultSkip = 2

// Selectors locates the listing fields in the result markup. Field selectors are
// evaluated relative to one container.
type Selectors struct {
	Container string `mapstructure:"container"`
	Title     string `mapstructure:"title"`
	Price     string `mapstructure:"price"`
	Link      string `mapstructure:"link"`
	Image     string `mapstructure:"image"`
	SoldDate  string `mapstructure:"sold_date"`
	Next      string `mapstructure:"next"`
}

// DefaultSelectors matches the current sold-listing result markup.
func DefaultSelectors() Selectors {
	return Selectors{
		Container: "div.s-item__wrapper.clearfix",
		Title:     "div.s-item__title",
		Price:     "span.s-item__price",
		Link:      "a.s-item__link",
		Image:     "div.s-item__image-wrapper.image-treatment img",
		SoldDate:  "span.s-item__caption--signal.POSITIVE",
		Next:      "button.pagination__next",
	}
}

// withDefaults fills empty selectors from DefaultSelectors.
func (s Selectors) withDefaults() Selectors {
	d := DefaultSelectors()
	fill := func(v *string, def string) {
		if strings.TrimSpace(*v) == "" {
			*v = def
		}
	}
	fill(&s.Container, d.Container)
	fill(&s.Title, d.Title)
	fill(&s.Price, d.Price)
	fill(&s.Link, d.Link)
	fill(&s.Image, d.Image)
	fill(&s.SoldDate, d.SoldDate)
	fill(&s.Next, d.Next)
	return s
}

// Validate checks that every selector compiles.
func (s Selectors) Validate() error {
	fields := map[string]string{
		"container": s.Container,
		"title":     s.Title,
		"price":     s.Price,
		"link":      s.Link,
		"image":     s.Image,
		"sold_date": s.SoldDate,
		"next":      s.Next,
	}
	for name, sel := range fields {
		if _, err := cascadia.Compile(sel); err != nil {
			return fmt.Errorf("selector %s %q: %w", name, sel, err)
		}
	}
	return nil
}

// Extractor implements crawler.Extractor with goquery.
type Extractor struct {
	sel  Selectors
	skip int
}

// New builds an Extractor. Empty selectors fall back to the defaults and a
// negative skip is treated as zero.
func New(sel Selectors, skip int) (*Extractor, error) {
	sel = sel.withDefaults()
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	if skip < 0 {
		skip = 0
	}
	return &Extractor{sel: sel, skip: skip}, nil
}

// Extract parses body. It only fails when the document cannot be parsed.
func (e *Extractor) Extract(body []byte) (crawler.PageResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.PageResult{}, fmt.Errorf("parse result page: %w", err)
	}

	containers := doc.Find(e.sel.Container)
	result := crawler.PageResult{Containers: containers.Length()}
	listings := 0
	containers.Each(func(i int, item *goquery.Selection) {
		if i < e.skip {
			return
		}
		listings++
		rec, ok := e.record(item)
		if !ok {
			result.Skipped++
			return
		}
		result.Records = append(result.Records, rec)
	})

	if listings > 0 {
		result.HasNextPage = nextEnabled(doc.Find(e.sel.Next).First())
	}
	return result, nil
}

func (e *Extractor) record(item *goquery.Selection) (crawler.Record, bool) {
	title := text(item, e.sel.Title)
	price := text(item, e.sel.Price)
	soldDate := text(item, e.sel.SoldDate)

	href, _ := item.Find(e.sel.Link).First().Attr("href")
	link := crawler.NormalizeLink(href)

	img := item.Find(e.sel.Image).First()
	if img.Length() == 0 {
		return crawler.Record{}, false
	}
	image := crawler.NoImage
	if src, ok := img.Attr("src"); ok && strings.TrimSpace(src) != "" {
		image = strings.TrimSpace(src)
	}

	rec := crawler.Record{
		Title:    title,
		Price:    price,
		Link:     link,
		ImageURL: image,
		SoldDate: soldDate,
	}
	return rec, rec.Complete()
}

func text(item *goquery.Selection, sel string) string {
	return strings.TrimSpace(item.Find(sel).First().Text())
}

func nextEnabled(next *goquery.Selection) bool {
	if next.Length() == 0 {
		return false
	}
	if v, ok := next.Attr("aria-disabled"); ok && strings.EqualFold(strings.TrimSpace(v), "true") {
		return false
	}
	if _, ok := next.Attr("disabled"); ok {
		return false
	}
	return true
}
