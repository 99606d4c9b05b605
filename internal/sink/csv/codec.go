package csvsink

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"

	"github.com/gocarina/gocsv"

	"github.com/JakeFAU/dircrawl/internal/crawler"
)

var leadingColumns = []string{crawler.FieldName, crawler.FieldURL}

// MergeColumns extends existing with the fields of records it lacks, in
// sorted order. An empty header starts with the name and URL columns.
func MergeColumns(existing []string, records []crawler.Record) []string {
	cols := slices.Clone(existing)
	if len(cols) == 0 {
		cols = slices.Clone(leadingColumns)
	}
	known := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		known[c] = struct{}{}
	}
	var added []string
	for _, r := range records {
		for k := range r {
			if _, ok := known[k]; ok {
				continue
			}
			known[k] = struct{}{}
			added = append(added, k)
		}
	}
	sort.Strings(added)
	return append(cols, added...)
}

// Encode writes records as CSV rows in column order, preceded by the header
// when header is set. Missing fields are written as empty cells.
func Encode(w io.Writer, cols []string, records []crawler.Record, header bool) error {
	cw := csv.NewWriter(w)
	if header {
		if err := cw.Write(cols); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
	}
	row := make([]string, len(cols))
	for _, r := range records {
		for i, c := range cols {
			row[i] = r[c]
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// ReadRecords loads every row of a CSV file written by Sink. The table cannot
// tell an empty value from a column the row never had, so empty cells are
// read back as absent fields.
func ReadRecords(path string) ([]crawler.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	rows, err := gocsv.CSVToMaps(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	records := make([]crawler.Record, 0, len(rows))
	for _, row := range rows {
		rec := make(crawler.Record, len(row))
		for k, v := range row {
			if v != "" {
				rec[k] = v
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// CompletedURLs returns the URL of every row already in path that holds a
// successful record. Rows with an Error are left out so a resumed run fetches
// them again. A missing file yields an empty set.
func CompletedURLs(path string) (map[string]struct{}, error) {
	done := make(map[string]struct{})
	records, err := ReadRecords(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return done, nil
		}
		return nil, err
	}
	for _, r := range records {
		if r.HasError() {
			continue
		}
		if u := r[crawler.FieldURL]; u != "" {
			done[u] = struct{}{}
		}
	}
	return done, nil
}

func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	header, err := csv.NewReader(f).Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	return header, nil
}
