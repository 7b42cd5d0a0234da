package agent

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/richinex/mped/model"
	"github.com/richinex/mped/policy"
)

// Evidence is what the loop retrieved while answering.
type Evidence struct {
	Rows        []*model.Rows
	Obligations []policy.Obligation
	Queries     []string // raw and executed query text
	Tables      []string // every catalog table name
}

// Report describes what Finalize changed or could not verify.
type Report struct {
	Disclosed  []string
	Appended   []string // disclosure phrases the decider left out
	Unverified []string
}

var (
	deepMarkdownHeading = regexp.MustCompile(`(?m)^([ \t]{0,3})#{5,}([ \t])`)
	deepHTMLHeading     = regexp.MustCompile(`(?i)<(/?)h[56]\b([^>]*)>`)
	codeFence           = regexp.MustCompile("(?s)```.*?```")
	inlineSelect        = regexp.MustCompile(`\bSELECT\b[^;\n]*?\bFROM\b[^;\n]*;?`)
	htmlTag             = regexp.MustCompile(`<[^>]*>`)
	numberPattern       = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)
	extraSpace          = regexp.MustCompile(`[ \t]{2,}`)
	spaceBeforePunct    = regexp.MustCompile(`[ \t]+([,.;:])`)
)

// jargon maps internal storage terms to plain words. Order matters: longer
// phrases first.
var jargon = []struct {
	re   *regexp.Regexp
	with string
}{
	{regexp.MustCompile(`(?i)\bSQL\s+quer(?:y|ies)\b`), "lookup"},
	{regexp.MustCompile(`(?i)\bSQL\b\s*`), ""},
	{regexp.MustCompile(`(?i)\bdatabases?\b`), "data"},
	{regexp.MustCompile(`(?i)\bqueries\b`), "lookups"},
	{regexp.MustCompile(`(?i)\bquer(?:y|ied)\b`), "lookup"},
	{regexp.MustCompile(`(?i)\btables\b`), "data"},
	{regexp.MustCompile(`(?i)\btable\b`), "data"},
}

// Finalize enforces the answer contract: deep headings demoted to level 4,
// internal terms removed, and a basis line appended for any obligation the
// answer does not already state. Numbers are never rewritten; those not
// found in the retrieved rows are reported.
func Finalize(answer string, ev Evidence) (string, Report) {
	var report Report

	text := demoteHeadings(answer)
	text = scrub(text, ev)

	report.Unverified = unverifiedNumbers(text, ev.Rows)

	report.Disclosed = policy.Phrases(ev.Obligations)
	report.Appended = missingPhrases(text, report.Disclosed)
	if len(report.Appended) > 0 {
		text = strings.TrimRight(text, " \t\n") + "\n\nBasis of the figures: " + strings.Join(report.Appended, ", ") + "."
	}
	return strings.TrimSpace(text), report
}

// IsUnrelatedAnswer reports whether answer is an "I don't know" reply.
func IsUnrelatedAnswer(answer string) bool {
	s := strings.ToLower(strings.TrimSpace(htmlTag.ReplaceAllString(answer, "")))
	s = strings.TrimRightFunc(s, func(r rune) bool { return unicode.IsPunct(r) || unicode.IsSpace(r) })
	s = strings.ReplaceAll(s, "’", "'")
	switch s {
	case "i don't know", "i do not know", "i dont know":
		return true
	}
	return false
}

func demoteHeadings(text string) string {
	text = deepMarkdownHeading.ReplaceAllString(text, "$1####$2")
	return deepHTMLHeading.ReplaceAllString(text, "<${1}h4${2}>")
}

// scrub removes query text and internal names from the prose. Markup tags are
// left alone so HTML answers keep their structure.
func scrub(text string, ev Evidence) string {
	text = codeFence.ReplaceAllString(text, "")
	for _, q := range ev.Queries {
		if q = strings.TrimSpace(q); q != "" {
			text = strings.ReplaceAll(text, q, "")
		}
	}
	text = inlineSelect.ReplaceAllString(text, "")

	tables := make([]*regexp.Regexp, 0, len(ev.Tables))
	names := make([]string, 0, len(ev.Tables))
	for _, t := range ev.Tables {
		tables = append(tables, regexp.MustCompile(`(?i)` + "`?" + `\b` + regexp.QuoteMeta(t) + `\b` + "`?"))
		names = append(names, humanize(t))
	}

	var b strings.Builder
	last := 0
	for _, loc := range htmlTag.FindAllStringIndex(text, -1) {
		b.WriteString(scrubProse(text[last:loc[0]], tables, names))
		b.WriteString(text[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(scrubProse(text[last:], tables, names))
	return b.String()
}

func scrubProse(s string, tables []*regexp.Regexp, names []string) string {
	for i, re := range tables {
		s = re.ReplaceAllString(s, names[i])
	}
	for _, j := range jargon {
		s = j.re.ReplaceAllString(s, j.with)
	}
	s = extraSpace.ReplaceAllString(s, " ")
	return spaceBeforePunct.ReplaceAllString(s, "$1")
}

// humanize turns total_value_added or TotalGrossDomesticProduct into words.
func humanize(name string) string {
	var b strings.Builder
	prev := rune(0)
	for _, r := range name {
		switch {
		case r == '_' || r == '-':
			b.WriteRune(' ')
		case unicode.IsUpper(r) && prev != 0 && unicode.IsLower(prev):
			b.WriteRune(' ')
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(unicode.ToLower(r))
		}
		prev = r
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func missingPhrases(text string, phrases []string) []string {
	normalized := strings.ToLower(strings.ReplaceAll(text, "-", " "))
	var missing []string
	for _, p := range phrases {
		if !strings.Contains(normalized, strings.ToLower(p)) {
			missing = append(missing, p)
		}
	}
	return missing
}

// unverifiedNumbers lists numbers in the answer that match no retrieved cell.
// Years and small counts are skipped.
func unverifiedNumbers(answer string, rows []*model.Rows) []string {
	cells := make(map[string]bool)
	for _, r := range rows {
		for _, c := range r.Cells() {
			for _, n := range numberPattern.FindAllString(c, -1) {
				cells[canonicalNumber(n)] = true
			}
		}
	}

	var out []string
	seen := make(map[string]bool)
	for _, n := range numberPattern.FindAllString(htmlTag.ReplaceAllString(answer, " "), -1) {
		c := canonicalNumber(n)
		if seen[c] || cells[c] || trivialNumber(c) {
			continue
		}
		seen[c] = true
		out = append(out, n)
	}
	return out
}

func canonicalNumber(s string) string {
	s = strings.ReplaceAll(s, ",", "")
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}

func trivialNumber(s string) bool {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return true
	}
	if v == float64(int64(v)) {
		if v >= 0 && v <= 12 {
			return true
		}
		if v >= 1900 && v <= 2100 {
			return true
		}
	}
	return false
}
