package simulated

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	re2 "github.com/wasilibs/go-re2"

	"github.com/ahrav/anomaly-armada/internal/domain/results"
)

// categorizer groups messages by the words that remain once numbers, hex and
// anything matching a categorization filter are removed.
type categorizer struct {
	filters []*re2.Regexp
	// ids maps a term signature to its category id, starting at 1.
	ids map[string]int64
}

func newCategorizer(filters []string, known []string) (*categorizer, error) {
	c := &categorizer{ids: make(map[string]int64, len(known))}
	for _, f := range filters {
		re, err := re2.Compile(f)
		if err != nil {
			return nil, fmt.Errorf("invalid categorization filter %q: %w", f, err)
		}
		c.filters = append(c.filters, re)
	}
	for i, terms := range known {
		c.ids[terms] = int64(i + 1)
	}
	return c, nil
}

// categorize returns the category of msg and, the first time a category is
// seen, its definition.
func (c *categorizer) categorize(jobID, msg string) (int64, *results.CategoryDefinition) {
	cleaned := msg
	for _, re := range c.filters {
		cleaned = re.ReplaceAllString(cleaned, " ")
	}
	terms := tokens(cleaned)
	key := strings.Join(terms, " ")

	if id, ok := c.ids[key]; ok {
		return id, nil
	}
	id := int64(len(c.ids) + 1)
	c.ids[key] = id

	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = regexp.QuoteMeta(t)
	}
	return id, &results.CategoryDefinition{
		JobID:             jobID,
		CategoryID:        id,
		Terms:             key,
		Regex:             ".*?" + strings.Join(quoted, ".+?") + ".*",
		MaxMatchingLength: int64(len(msg) + len(msg)/10),
		Examples:          []string{truncate(msg, 200)},
	}
}

// known returns the term signatures in category id order.
func (c *categorizer) known() []string {
	out := make([]string, len(c.ids))
	for terms, id := range c.ids {
		out[id-1] = terms
	}
	return out
}

func tokens(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '.' && r != '-'
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".-")
		if f == "" || isVariable(f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// isVariable reports tokens that look like ids, numbers or hex.
func isVariable(t string) bool {
	hex := len(t) >= 8
	for _, r := range t {
		if unicode.IsDigit(r) {
			return true
		}
		if !strings.ContainsRune("abcdefABCDEF", r) {
			hex = false
		}
	}
	return hex
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
