package moderation

import (
	"regexp"
	"strings"
)

// Rule names accepted by NewFilter.
const (
	RuleURL       = "url"
	RulePhone     = "phone"
	RuleCharFlood = "char_flood"
	RuleWordFlood = "word_flood"
)

var (
	// Bare domains need a trailing "/" so version strings like "v2.0" pass.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// Anchored to whitespace so short numbers like "100" pass.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

type rule struct {
	name   string
	reason string
	match  func(string) bool
}

// allRules is the default evaluation order.
var allRules = []rule{
	{RuleURL, "links are not allowed", urlPattern.MatchString},
	{RulePhone, "phone numbers are not allowed", phonePattern.MatchString},
	{RuleCharFlood, "too many repeated characters", func(s string) bool { return repeatsRune(s, 5) }},
	{RuleWordFlood, "too many repeated words", func(s string) bool { return repeatsWord(s, 3) }},
}

func ruleByName(name string) (rule, bool) {
	for _, r := range allRules {
		if r.name == name {
			return r, true
		}
	}
	return rule{}, false
}

// repeatsRune reports whether s holds n or more consecutive identical runes.
// RE2 has no backreferences, hence the scan.
func repeatsRune(s string, n int) bool {
	run := 0
	prev := rune(-1)
	for _, r := range s {
		if r == prev {
			run++
		} else {
			run, prev = 1, r
		}
		if run >= n {
			return true
		}
	}
	return false
}

// repeatsWord reports whether the same whitespace-delimited word appears n or
// more times in a row, ignoring case.
func repeatsWord(s string, n int) bool {
	run := 0
	prev := ""
	for _, w := range strings.Fields(s) {
		w = strings.ToLower(w)
		if w == prev {
			run++
		} else {
			run, prev = 1, w
		}
		if run >= n {
			return true
		}
	}
	return false
}
