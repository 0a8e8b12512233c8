package email

import (
	"regexp"
	"strings"

	"github.com/candlekeep/aide/internal/config"
)

// Triage categories, in match precedence order. VIP wins over
// everything; auto_read is the weakest explicit match.
const (
	CategoryVIP        = "vip"
	CategoryJunk       = "junk"
	CategoryNewsletter = "newsletters"
	CategoryReceipt    = "receipts"
	CategoryAutoRead   = "auto_read"
	CategoryNormal     = "normal"
)

// pattern is one triage rule: a plain substring or a /regex/.
type pattern struct {
	substr string
	re     *regexp.Regexp
}

func (p pattern) match(s string) bool {
	if p.re != nil {
		return p.re.MatchString(s)
	}
	return strings.Contains(strings.ToLower(s), p.substr)
}

// Triage classifies messages by sender and subject pattern lists.
type Triage struct {
	rules map[string][]pattern // category → patterns
}

// NewTriage compiles the configured pattern lists. A malformed /regex/
// is treated as a literal substring rather than rejected.
func NewTriage(cfg config.TriageConfig) *Triage {
	t := &Triage{rules: make(map[string][]pattern)}
	for category, raw := range map[string][]string{
		CategoryVIP:        cfg.VIP,
		CategoryJunk:       cfg.Junk,
		CategoryNewsletter: cfg.Newsletters,
		CategoryReceipt:    cfg.Receipts,
		CategoryAutoRead:   cfg.AutoRead,
	} {
		for _, entry := range raw {
			t.rules[category] = append(t.rules[category], compilePattern(entry))
		}
	}
	return t
}

func compilePattern(entry string) pattern {
	if len(entry) > 2 && strings.HasPrefix(entry, "/") && strings.HasSuffix(entry, "/") {
		if re, err := regexp.Compile("(?i)" + entry[1:len(entry)-1]); err == nil {
			return pattern{re: re}
		}
	}
	return pattern{substr: strings.ToLower(entry)}
}

// categoryOrder fixes match precedence.
var categoryOrder = []string{CategoryVIP, CategoryJunk, CategoryNewsletter, CategoryReceipt, CategoryAutoRead}

// Classify returns the first matching category for a message, testing
// patterns against both the From header and the subject.
func (t *Triage) Classify(msg Message) string {
	for _, category := range categoryOrder {
		for _, p := range t.rules[category] {
			if p.match(msg.From) || p.match(msg.Subject) {
				return category
			}
		}
	}
	return CategoryNormal
}
