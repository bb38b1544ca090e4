// Package classifier maps extracted items to sensitive field types.
//
// It is the only consumer of recognized text. Results are built through
// types.NewDetectionResult, which takes a box, a field type and a
// confidence and nothing else, so no result can carry text onwards.
package classifier

import (
	"bytes"
	"regexp"

	"github.com/menta2k/privacy-shield/pkg/types"
)

var (
	// ID and passport numbers: 6-20 digit runs
	idNumberRe = regexp.MustCompile(`\b\d{6,20}\b`)

	// DD/MM/YYYY, MM-DD-YY, YYYY.MM.DD and friends
	dateRe = regexp.MustCompile(`\b(\d{1,2}[/.-]\d{1,2}[/.-]\d{2,4}|\d{4}[/.-]\d{1,2}[/.-]\d{1,2})\b`)

	// 2-4 capitalized words, accents included
	fullNameRe = regexp.MustCompile(`^\p{Lu}\p{Ll}+( \p{Lu}\p{Ll}+){1,3}$`)

	addressRe = regexp.MustCompile(`(?i)\d+\s+[A-Z][a-z]+.{0,30}(Street|St\.?|Avenue|Ave\.?|Road|Rd\.?|Boulevard|Blvd\.?|Lane|Ln\.?|Drive|Dr\.?|Court|Ct\.?|Way|Place|Pl\.?)`)
)

type rule struct {
	name       string
	field      types.FieldType
	confidence float64
	match      func(item *types.ExtractedItem) bool
}

var rules = []rule{
	{"qr_code", types.QRCode, 0.99, func(it *types.ExtractedItem) bool { return it.IsQRCode }},
	{"barcode", types.Barcode, 0.99, func(it *types.ExtractedItem) bool { return it.IsBarcode }},
	{"id_number", types.IDNumber, 0.90, func(it *types.ExtractedItem) bool { return idNumberRe.Match(it.Text) }},
	{"date_of_birth", types.DateOfBirth, 0.85, func(it *types.ExtractedItem) bool { return dateRe.Match(it.Text) }},
	{"full_name", types.FullName, 0.75, func(it *types.ExtractedItem) bool { return fullNameRe.Match(bytes.TrimSpace(it.Text)) }},
	{"address", types.Address, 0.80, func(it *types.ExtractedItem) bool { return addressRe.Match(it.Text) }},
}

// Classifier applies the rules in order and keeps the first match per item.
// It holds no state and is safe for concurrent use.
type Classifier struct{}

// New returns a classifier.
func New() *Classifier {
	return &Classifier{}
}

// Classify returns one result per matched item, in item order. Items that
// match no rule are dropped.
func (c *Classifier) Classify(items []types.ExtractedItem) []types.DetectionResult {
	results := make([]types.DetectionResult, 0, len(items))
	for i := range items {
		for _, r := range rules {
			if r.match(&items[i]) {
				results = append(results, types.NewDetectionResult(r.field, items[i].Bounds, r.confidence))
				break
			}
		}
	}
	return results
}

// Rules returns the rule names in evaluation order.
func (c *Classifier) Rules() []string {
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.name
	}
	return names
}
