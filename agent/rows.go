package agent

import (
	"regexp"
	"strconv"
	"strings"
)

// Row cap defaults.
const (
	DefaultRowLimit    = 4
	DefaultMaxRowLimit = 50
)

const countWord = `(\d{1,3}|one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve|fifteen|twenty)`

var (
	leadingCount  = regexp.MustCompile(`\b(?:top|first|last|latest|bottom|highest|lowest|largest|smallest|show(?: me)?|list|give me|return)\s+` + countWord + `\b`)
	trailingCount = regexp.MustCompile(`\b` + countWord + `\s+(?:rows|results|records|entries|items|examples|years|quarters|governorates|regions|activities|sectors|values)\b`)
)

var countWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6, "seven": 7,
	"eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12, "fifteen": 15, "twenty": 20,
}

// RequestedRows returns the row cap for a question: def unless the question
// explicitly asks for a number of results, bounded by max. Years are never
// read as counts.
func RequestedRows(question string, def, max int) int {
	if def <= 0 {
		def = DefaultRowLimit
	}
	if max < def {
		max = def
	}

	q := strings.ToLower(question)
	n := 0
	for _, re := range []*regexp.Regexp{leadingCount, trailingCount} {
		for _, m := range re.FindAllStringSubmatch(q, -1) {
			if v := parseCount(m[1]); v > n {
				n = v
			}
		}
	}

	switch {
	case n <= 0:
		return def
	case n > max:
		return max
	default:
		return n
	}
}

func parseCount(s string) int {
	if v, ok := countWords[s]; ok {
		return v
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
