// Package recipient loads candidate recipients and filters them into an
// eligible send list.
package recipient

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// Recipient is one target address with the context fields used for
// message personalization. Immutable once loaded into a run.
type Recipient struct {
	Address    string
	Name       string
	PaperTitle string
	Venue      string
	Origin     string
}

// Column aliases accepted in recipient CSV files. Collection batches from
// different sources name their columns differently.
var (
	addressColumns = []string{"email", "e-mail", "address"}
	nameColumns    = []string{"author", "name", "display_name"}
	titleColumns   = []string{"title", "paper_title"}
	venueColumns   = []string{"venue", "publication_venue", "source"}
)

// LoadCSV reads recipients from a CSV file with a header row. Unknown
// columns are ignored; rows without an address are skipped. The origin
// tag records which batch each recipient came from.
func LoadCSV(path, origin string) ([]Recipient, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recipients file: %w", err)
	}
	defer f.Close()

	return ReadCSV(f, origin)
}

// ReadCSV reads recipients from r. See LoadCSV.
func ReadCSV(r io.Reader, origin string) ([]Recipient, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	idx := func(aliases []string) int {
		for i, col := range header {
			col = strings.ToLower(strings.TrimSpace(col))
			for _, alias := range aliases {
				if col == alias {
					return i
				}
			}
		}
		return -1
	}

	addrIdx := idx(addressColumns)
	if addrIdx < 0 {
		return nil, fmt.Errorf("recipients CSV has no address column (expected one of %v)", addressColumns)
	}
	nameIdx := idx(nameColumns)
	titleIdx := idx(titleColumns)
	venueIdx := idx(venueColumns)

	field := func(row []string, i int) string {
		if i < 0 || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var recipients []Recipient
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV row: %w", err)
		}

		addr := field(row, addrIdx)
		if addr == "" {
			continue
		}

		name := field(row, nameIdx)
		if name == "" {
			name = "Colleague"
		}

		recipients = append(recipients, Recipient{
			Address:    addr,
			Name:       name,
			PaperTitle: field(row, titleIdx),
			Venue:      field(row, venueIdx),
			Origin:     origin,
		})
	}

	return recipients, nil
}
