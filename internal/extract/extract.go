// Package extract implements the stage extractors: text, images,
// classification, products, error codes, chunks, and link enrichment.
// Extractors are pure with respect to storage: they consume page texts and
// emit typed record bundles plus metrics, and the stage runner persists the
// results in one unit. Given the same input and the same pattern snapshot,
// an extractor always produces the same output.
package extract

import "time"

// Page is one page of extracted document text, 1-based.
type Page struct {
	Number int
	Text   string
}

// Metrics is the common per-extraction accounting every extractor returns.
type Metrics struct {
	ItemsEmitted  int            `json:"items_emitted"`
	ItemsRejected int            `json:"items_rejected"`
	Confidence    map[string]int `json:"confidence_distribution,omitempty"`
	DurationMS    int64          `json:"duration_ms"`
}

// observeConfidence buckets a confidence score into the distribution map.
func (m *Metrics) observeConfidence(score float64) {
	if m.Confidence == nil {
		m.Confidence = make(map[string]int)
	}
	switch {
	case score >= 0.9:
		m.Confidence["0.9+"]++
	case score >= 0.8:
		m.Confidence["0.8-0.9"]++
	case score >= 0.7:
		m.Confidence["0.7-0.8"]++
	default:
		m.Confidence["<0.7"]++
	}
}

// timed fills DurationMS from a start time.
func (m *Metrics) timed(start time.Time) {
	m.DurationMS = time.Since(start).Milliseconds()
}
