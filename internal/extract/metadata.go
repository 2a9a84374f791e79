package extract

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// ProductCandidate is a model reference found in document text. Series is
// empty when the model carries no recognizable family name.
type ProductCandidate struct {
	ModelNumber string
	Series      string
}

// productFamilies maps series names to the model token pattern that follows
// them in running text. Families cover the common fleet brands; the generic
// pattern below catches standalone model numbers.
var productFamilies = []struct {
	series string
	re     *regexp.Regexp
}{
	{"bizhub", regexp.MustCompile(`(?i)\bbizhub\s+(C?\d{3,4}[a-z]{0,2})`)},
	{"AccurioPress", regexp.MustCompile(`(?i)\baccuriopress\s+(C?\d{3,4}[a-z]{0,2})`)},
	{"ECOSYS", regexp.MustCompile(`(?i)\becosys\s+([A-Z]{1,2}\d{4}[a-z]{0,4})`)},
	{"TASKalfa", regexp.MustCompile(`(?i)\btaskalfa\s+(\d{4}c?i?)`)},
	{"LaserJet", regexp.MustCompile(`(?i)\blaserjet(?:\s+pro| enterprise)?\s+(M?\d{3,4}[a-z]{0,4})`)},
	{"OfficeJet", regexp.MustCompile(`(?i)\bofficejet(?:\s+pro)?\s+(\d{4}[a-z]{0,2})`)},
	{"imageRUNNER", regexp.MustCompile(`(?i)\bimagerunner(?:\s+advance)?\s+(C?\d{3,4}[a-z]{0,3})`)},
	{"imageCLASS", regexp.MustCompile(`(?i)\bimageclass\s+([A-Z]{2}\d{3,4}[a-z]{0,3})`)},
	{"Aficio", regexp.MustCompile(`(?i)\baficio\s+(MP\s?C?\d{3,5}[a-z]{0,2})`)},
	{"WorkCentre", regexp.MustCompile(`(?i)\bworkcentre\s+(\d{4}[a-z]{0,2})`)},
	{"VersaLink", regexp.MustCompile(`(?i)\bversalink\s+([BC]\d{3,4})`)},
}

// genericModelRe catches bare model designations like "d-COPIA 5514MF" or
// "P-4531DN" that appear without a family word.
var genericModelRe = regexp.MustCompile(`\b([A-Z]{1,3}-[A-Z0-9]{3,10})\b`)

// ExtractProducts scans page texts for model numbers. Duplicates collapse;
// output is sorted by model number for deterministic persistence.
func ExtractProducts(pages []Page) ([]ProductCandidate, Metrics) {
	start := time.Now()
	metrics := Metrics{}

	seen := map[string]ProductCandidate{}
	for _, page := range pages {
		for _, fam := range productFamilies {
			for _, m := range fam.re.FindAllStringSubmatch(page.Text, -1) {
				model := normalizeModel(fam.series, m[1])
				if _, ok := seen[model]; !ok {
					seen[model] = ProductCandidate{ModelNumber: model, Series: fam.series}
				}
			}
		}
		for _, m := range genericModelRe.FindAllStringSubmatch(page.Text, -1) {
			model := strings.ToUpper(m[1])
			if looksLikePartNumber(model) {
				metrics.ItemsRejected++
				continue
			}
			if _, ok := seen[model]; !ok {
				seen[model] = ProductCandidate{ModelNumber: model}
			}
		}
	}

	out := make([]ProductCandidate, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelNumber < out[j].ModelNumber })

	metrics.ItemsEmitted = len(out)
	metrics.timed(start)
	return out, metrics
}

func normalizeModel(series, token string) string {
	token = strings.ToUpper(strings.ReplaceAll(token, " ", ""))
	return series + " " + token
}

// looksLikePartNumber rejects tokens shaped like spare part references,
// which share the letter-dash-digits shape with model numbers but run long.
func looksLikePartNumber(token string) bool {
	digits := 0
	for _, r := range token {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= 7
}
