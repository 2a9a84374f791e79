package extract

import (
	"strings"
	"time"

	"github.com/krai-io/krai/internal/storage"
)

// Classification is the outcome of the classification stage. Low confidence
// never fails the stage; it is recorded as a warning for operator review.
type Classification struct {
	DocumentType     storage.DocumentType
	Confidence       float64
	ManufacturerHint string // empty when nothing was detected
	Language         string
}

// LowConfidenceThreshold is the level below which a classification is
// flagged for review.
const LowConfidenceThreshold = 0.60

// typeSignals maps document types to filename and content cues. Filename
// matches weigh more than content matches.
var typeSignals = []struct {
	docType  storage.DocumentType
	filename []string
	content  []string
}{
	{storage.DocTypeServiceManual,
		[]string{"service manual", "service_manual", "servicemanual", "_sm_", "_sm.", "field service"},
		[]string{"service manual", "troubleshooting", "error code", "maintenance procedure", "disassembly"}},
	{storage.DocTypePartsCatalog,
		[]string{"parts catalog", "parts_catalog", "parts list", "parts_list", "_pc_", "_pl_"},
		[]string{"parts catalog", "parts list", "part number", "item no", "exploded view"}},
	{storage.DocTypeTechnicalBulletin,
		[]string{"bulletin", "technical bulletin", "_tb_", "tsb"},
		[]string{"technical bulletin", "bulletin number", "affected units", "modification"}},
	{storage.DocTypeCPMDDatabase,
		[]string{"cpmd"},
		[]string{"cpmd", "copy quality", "paper feed problems"}},
	{storage.DocTypeUserManual,
		[]string{"user manual", "user_manual", "user guide", "users guide", "operation guide"},
		[]string{"user manual", "operation guide", "getting started", "basic operations"}},
	{storage.DocTypeInstallationGuide,
		[]string{"installation", "install guide", "setup guide"},
		[]string{"installation guide", "unpacking", "initial setup", "site requirements"}},
	{storage.DocTypeTroubleshootingGuide,
		[]string{"troubleshooting guide", "troubleshooting_guide"},
		[]string{"troubleshooting guide", "symptom", "possible cause", "corrective action"}},
}

// knownManufacturers are names scanned for the manufacturer hint, longest
// names first so "konica minolta" beats "konica".
var knownManufacturers = []string{
	"konica minolta", "triumph-adler", "hewlett-packard", "kyocera mita",
	"kyocera", "canon", "ricoh", "xerox", "brother", "epson", "lexmark",
	"sharp", "toshiba", "utax", "olivetti", "develop", "lanier", "savin",
	"gestetner", "copystar", "oki", "hp",
}

// Classify derives document type, manufacturer hint, and language from the
// filename and the first pages of text.
func Classify(filename string, pages []Page) (Classification, Metrics) {
	start := time.Now()
	metrics := Metrics{}

	lowerName := strings.ToLower(filename)
	sample := strings.ToLower(sampleText(pages, 10, 20000))

	bestType := storage.DocTypeServiceManual
	bestScore := 0.0
	for _, sig := range typeSignals {
		score := 0.0
		for _, cue := range sig.filename {
			if strings.Contains(lowerName, cue) {
				score += 0.45
			}
		}
		for _, cue := range sig.content {
			if strings.Contains(sample, cue) {
				score += 0.15
			}
		}
		if score > bestScore {
			bestScore = score
			bestType = sig.docType
		}
	}
	confidence := bestScore
	if confidence > 1 {
		confidence = 1
	}
	metrics.observeConfidence(confidence)

	result := Classification{
		DocumentType:     bestType,
		Confidence:       confidence,
		ManufacturerHint: detectManufacturer(lowerName, sample),
		Language:         detectLanguage(sample),
	}
	metrics.ItemsEmitted = 1
	metrics.timed(start)
	return result, metrics
}

func detectManufacturer(filename, sample string) string {
	for _, name := range knownManufacturers {
		if strings.Contains(filename, name) || strings.Contains(sample, name) {
			return name
		}
	}
	return ""
}

// Stopword counting across the languages the manuals actually ship in.
var languageStopwords = map[string][]string{
	"en": {" the ", " and ", " with ", " replace ", " remove "},
	"de": {" der ", " und ", " nicht ", " ersetzen ", " entfernen "},
	"fr": {" le ", " et ", " avec ", " remplacer ", " retirer "},
	"es": {" el ", " y ", " con ", " reemplazar ", " quitar "},
}

func detectLanguage(sample string) string {
	best := "en"
	bestCount := 0
	for lang, words := range languageStopwords {
		count := 0
		for _, w := range words {
			count += strings.Count(sample, w)
		}
		if count > bestCount || (count == bestCount && lang == "en") {
			best = lang
			bestCount = count
		}
	}
	return best
}

func sampleText(pages []Page, maxPages, maxChars int) string {
	var b strings.Builder
	for i, p := range pages {
		if i >= maxPages || b.Len() >= maxChars {
			break
		}
		b.WriteString(p.Text)
		b.WriteString("\n")
	}
	s := b.String()
	if len(s) > maxChars {
		s = s[:maxChars]
	}
	return s
}
