// Package names reads the list of entity names to ingest.
package names

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ThachTung/WebScraper/internal/crawler"
)

// ReadFile reads names from path. A missing or empty list yields an error
// wrapping crawler.ErrNoEntities.
func ReadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", crawler.ErrNoEntities, err)
	}
	defer f.Close()
	return Read(f)
}

// Read takes the first column of every row, one name per row. Rows are
// whitespace-trimmed and blank rows are ignored; there is no header.
func Read(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.LazyQuotes = true

	var out []string
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read names: %w", err)
		}
		if len(row) == 0 {
			continue
		}
		if name := strings.TrimSpace(row[0]); name != "" {
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return nil, crawler.ErrNoEntities
	}
	return out, nil
}
