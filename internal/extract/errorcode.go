package extract

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/krai-io/krai/internal/pattern"
)

// ExtractedErrorCode is one diagnostic code pulled from a page, before
// persistence resolves manufacturer and chunk references.
type ExtractedErrorCode struct {
	Code         string
	Description  *string
	SolutionText *string
	PageNumber   int
	Confidence   float64
	Category     string
	SeverityHint *string
	ContextText  *string

	// offset is the match position in the page text, kept for ordering.
	offset int
}

// sectionCues raise confidence when present near a match: they mark
// troubleshooting prose rather than incidental code-shaped strings.
var sectionCues = []string{
	"error", "code", "fault", "trouble", "malfunction",
	"abnormal", "procedure", "remedy", "solution", "failure",
}

// disqualifiers lower confidence: the match is likely a page, figure, or
// part reference rather than a diagnostic code.
var disqualifiers = []string{
	"page ", "figure ", "fig.", "part no", "part number", "p/n",
	"refer to", "see section", "table of contents",
}

type codeCandidate struct {
	code        string
	offset      int
	end         int
	confidence  float64
	specificity float64
	pat         *pattern.CompiledPattern
}

// ExtractErrorCodes scans the pages with a manufacturer's pattern set and
// returns accepted codes in (page, offset) order.
func ExtractErrorCodes(pages []Page, set *pattern.PatternSet) ([]ExtractedErrorCode, Metrics) {
	start := time.Now()
	metrics := Metrics{}

	var out []ExtractedErrorCode
	for _, page := range pages {
		codes := extractFromPage(page, set, &metrics)
		out = append(out, codes...)
	}

	metrics.ItemsEmitted = len(out)
	metrics.timed(start)
	return out, metrics
}

func extractFromPage(page Page, set *pattern.PatternSet, metrics *Metrics) []ExtractedErrorCode {
	rules := set.Rules

	var candidates []codeCandidate
	for i := range set.Patterns {
		pat := &set.Patterns[i]
		for _, loc := range pat.Regex.FindAllStringIndex(page.Text, -1) {
			code := page.Text[loc[0]:loc[1]]
			if !set.ValidationRegex.MatchString(code) {
				metrics.ItemsRejected++
				continue
			}

			conf := scoreCandidate(page.Text, loc[0], loc[1], pat.Specificity, rules.ContextWindowChars)
			metrics.observeConfidence(conf)
			if conf < rules.MinConfidence {
				metrics.ItemsRejected++
				continue
			}

			candidates = append(candidates, codeCandidate{
				code:        code,
				offset:      loc[0],
				end:         loc[1],
				confidence:  conf,
				specificity: pat.Specificity,
				pat:         pat,
			})
		}
	}

	candidates = dedupeCandidates(candidates)

	// Cap at max_codes_per_page keeping the highest-confidence matches,
	// ties broken by earliest offset.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].confidence != candidates[j].confidence {
			return candidates[i].confidence > candidates[j].confidence
		}
		return candidates[i].offset < candidates[j].offset
	})
	if len(candidates) > rules.MaxCodesPerPage {
		metrics.ItemsRejected += len(candidates) - rules.MaxCodesPerPage
		candidates = candidates[:rules.MaxCodesPerPage]
	}

	// Emit in reading order.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].offset < candidates[j].offset
	})

	out := make([]ExtractedErrorCode, 0, len(candidates))
	for _, c := range candidates {
		context := contextWindow(page.Text, c.offset, c.end, rules.ContextWindowChars)
		window := solutionWindow(page.Text, c.end, rules.TextWindowAfterChars)

		ec := ExtractedErrorCode{
			Code:         c.code,
			Description:  describeCode(page.Text, c.end),
			SolutionText: ExtractSolution(window),
			PageNumber:   page.Number,
			Confidence:   c.confidence,
			Category:     c.pat.Category,
			ContextText:  optional(context),
			offset:       c.offset,
		}
		if c.pat.SeverityHint != "" {
			hint := c.pat.SeverityHint
			ec.SeverityHint = &hint
		}
		out = append(out, ec)
	}
	return out
}

// dedupeCandidates collapses overlapping matches of the same code: the most
// specific pattern wins, then the earliest offset.
func dedupeCandidates(candidates []codeCandidate) []codeCandidate {
	type key struct {
		code   string
		offset int
	}
	best := make(map[key]codeCandidate, len(candidates))
	for _, c := range candidates {
		k := key{c.code, c.offset}
		prev, ok := best[k]
		if !ok || c.specificity > prev.specificity {
			best[k] = c
		}
	}

	out := make([]codeCandidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].offset != out[j].offset {
			return out[i].offset < out[j].offset
		}
		return out[i].code < out[j].code
	})
	return out
}

// scoreCandidate computes match confidence from pattern specificity, nearby
// section cues, disqualifiers, and position. Clamped to [0, 1].
func scoreCandidate(text string, start, end int, specificity float64, contextChars int) float64 {
	context := strings.ToLower(contextWindow(text, start, end, contextChars))

	score := 0.50 + 0.20*specificity

	cueBonus := 0.0
	for _, cue := range sectionCues {
		if strings.Contains(context, cue) {
			cueBonus += 0.06
		}
	}
	if cueBonus > 0.18 {
		cueBonus = 0.18
	}
	score += cueBonus

	for _, d := range disqualifiers {
		if strings.Contains(context, d) {
			score -= 0.12
		}
	}

	// Codes that open a line are usually table rows or headings.
	if start == 0 || text[start-1] == '\n' {
		score += 0.05
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// contextWindow clamps [start-n, end+n] to the page bounds.
func contextWindow(text string, start, end, n int) string {
	lo := start - n
	if lo < 0 {
		lo = 0
	}
	hi := end + n
	if hi > len(text) {
		hi = len(text)
	}
	return text[lo:hi]
}

func solutionWindow(text string, end, n int) string {
	hi := end + n
	if hi > len(text) {
		hi = len(text)
	}
	return text[end:hi]
}

// describeCode takes the remainder of the matched line as the description,
// or the first sentence that follows.
func describeCode(text string, matchEnd int) *string {
	rest := text[matchEnd:]
	if idx := strings.IndexByte(rest, '\n'); idx >= 0 {
		rest = rest[:idx]
	}
	desc := strings.TrimFunc(rest, func(r rune) bool {
		return unicode.IsSpace(r) || r == ':' || r == '-' || r == '–'
	})
	if len(desc) >= 4 {
		return &desc
	}
	return nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
