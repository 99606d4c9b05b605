// Package directory extracts targets and company records from the business
// directory's listing and detail pages.
package directory

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/dircrawl/internal/crawler"
	"github.com/PuerkitoBio/goquery"
)

// Selectors locate the directory's markup.
type Selectors struct {
	// Listing matches company anchors on a listing page. The first match on a
	// detail page is the company's business type.
	Listing string
	// DetailRows matches the key/value rows of a company's details table.
	DetailRows string
	// Location matches the icon-tagged address and phone lines.
	Location string
}

// DefaultSelectors match bdtradeinfo.com markup.
var DefaultSelectors = Selectors{
	Listing:    "a.alphaSubcat",
	DetailRows: "table.details tr",
	Location:   "address ul.location",
}

const (
	fieldAddress      = "Address"
	fieldPhone        = "Phone"
	fieldFax          = "Fax"
	fieldBusinessType = "Business Type"

	iconAddress = "glyphicon-map-marker"
	iconPhone   = "glyphicon-earphone"
)

// Extractor implements crawler.RecordExtractor with goquery.
type Extractor struct {
	sel Selectors
}

// New returns an extractor using sel, falling back to DefaultSelectors for
// empty entries.
func New(sel Selectors) *Extractor {
	if sel.Listing == "" {
		sel.Listing = DefaultSelectors.Listing
	}
	if sel.DetailRows == "" {
		sel.DetailRows = DefaultSelectors.DetailRows
	}
	if sel.Location == "" {
		sel.Location = DefaultSelectors.Location
	}
	return &Extractor{sel: sel}
}

// ExtractListing returns one target per company anchor, with links resolved
// against the page URL. A listing without anchors yields no targets.
func (e *Extractor) ExtractListing(page crawler.Page, seed crawler.Seed) ([]crawler.Target, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil, fmt.Errorf("%w: parse listing %s: %w", crawler.ErrExtract, seed.Key, err)
	}
	base, err := url.Parse(page.BaseURL())
	if err != nil {
		return nil, fmt.Errorf("%w: listing url %q: %w", crawler.ErrExtract, page.BaseURL(), err)
	}

	var targets []crawler.Target
	doc.Find(e.sel.Listing).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		name := collapse(s.Text())
		if !ok || strings.TrimSpace(href) == "" || name == "" {
			return
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		targets = append(targets, crawler.Target{
			Name: name,
			URL:  base.ResolveReference(ref).String(),
			Seed: seed.Key,
		})
	})
	return targets, nil
}

// ExtractDetail reads the details table, the address block and the business
// type. The result always carries the target's name and URL.
func (e *Extractor) ExtractDetail(page crawler.Page, target crawler.Target) crawler.Record {
	rec := crawler.NewRecord(target)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		rec[crawler.FieldError] = fmt.Errorf("%w: parse detail: %w", crawler.ErrExtract, err).Error()
		return rec
	}

	doc.Find(e.sel.DetailRows).Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() != 2 {
			return
		}
		key := strings.TrimRight(strings.TrimSpace(cells.Eq(0).Text()), ":")
		key = strings.TrimSpace(key)
		if key == "" {
			return
		}
		if strings.EqualFold(key, fieldFax) {
			key = fieldFax
		}
		if key == crawler.FieldName || key == crawler.FieldURL {
			return
		}
		rec[key] = collapse(cells.Eq(1).Text())
	})

	doc.Find(e.sel.Location).Each(func(_ int, loc *goquery.Selection) {
		items := loc.Find("li")
		icon := loc.Find("span").First()
		if items.Length() < 2 || icon.Length() == 0 {
			return
		}
		value := collapse(items.Eq(1).Text())
		switch {
		case icon.HasClass(iconAddress):
			rec[fieldAddress] = value
		case icon.HasClass(iconPhone):
			rec[fieldPhone] = value
		}
	})

	if bt := doc.Find(e.sel.Listing).First(); bt.Length() > 0 {
		if v := collapse(bt.Text()); v != "" {
			rec[fieldBusinessType] = v
		}
	}
	return rec
}

// collapse trims s and folds internal whitespace runs, including newlines,
// into single spaces.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
