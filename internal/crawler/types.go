package crawler

import (
	"fmt"
	"maps"
	"time"
)

// Fields every Record carries.
const (
	FieldName  = "Company Name"
	FieldURL   = "URL"
	FieldError = "Error"
)

// Seed is a caller-provided key and the listing page it expands to.
type Seed struct {
	Key string
	URL string
}

// Target is one detail page discovered from a seed's listing.
type Target struct {
	Name string
	URL  string
	Seed string
}

// Page is the raw content returned by a PageFetcher.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	HTML       string
	Duration   time.Duration
}

// BaseURL is the address relative links on the page resolve against.
func (p Page) BaseURL() string {
	if p.FinalURL != "" {
		return p.FinalURL
	}
	return p.URL
}

// Record is the flat field set extracted for a single target.
type Record map[string]string

// NewRecord returns a record seeded with the target's name and URL.
func NewRecord(t Target) Record {
	return Record{FieldName: t.Name, FieldURL: t.URL}
}

// ErrorRecord builds the record emitted when a target could not be processed.
func ErrorRecord(t Target, err error) Record {
	r := NewRecord(t)
	if err != nil {
		r[FieldError] = err.Error()
	}
	return r
}

// HasError reports whether the record describes a failed target.
func (r Record) HasError() bool {
	return r[FieldError] != ""
}

// Clone returns a copy that can be retained after the caller mutates r.
func (r Record) Clone() Record {
	return maps.Clone(r)
}

// FlushStats counts what a record writer has handed to its sink.
type FlushStats struct {
	Flushes  int
	Records  int
	Failures int
}

// StageStats summarizes a detail-collection stage.
type StageStats struct {
	Submitted    int
	Skipped      int
	Records      int
	ErrorRecords int
	Warnings     []error
}

// Summary describes a completed run.
type Summary struct {
	RunID             string
	Seeds             int
	TargetsDiscovered int
	TargetsSkipped    int
	RecordsProduced   int
	ErrorRecords      int
	Flushes           int
	FlushFailures     int
	Warnings          []error
	Duration          time.Duration
}

func (s Summary) String() string {
	return fmt.Sprintf(
		"run %s: %d targets discovered, %d records produced (%d with errors, %d skipped), %d flushes, %d flush failures, %d warnings in %s",
		s.RunID, s.TargetsDiscovered, s.RecordsProduced, s.ErrorRecords, s.TargetsSkipped,
		s.Flushes, s.FlushFailures, len(s.Warnings), s.Duration.Round(time.Millisecond),
	)
}
