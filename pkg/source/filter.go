package source

import (
	"html"
	"regexp"
	"strings"
)

var tagRe = regexp.MustCompile(`<[^>]*>`)

// Filter holds keyword lists for case-insensitive content matching.
type Filter struct {
	keywords []string
	exclude  []string
}

// NewFilter creates a filter that accepts text mentioning any keyword and
// none of the excluded phrases.
func NewFilter(keywords, excludeKeywords []string) *Filter {
	kw := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			kw = append(kw, strings.ToLower(k))
		}
	}

	exclude := make([]string, len(excludeKeywords))
	for i, k := range excludeKeywords {
		exclude[i] = strings.ToLower(k)
	}

	return &Filter{keywords: kw, exclude: exclude}
}

// Matches returns true if text contains at least one keyword.
func (f *Filter) Matches(text string) bool {
	lower := strings.ToLower(text)

	for _, ex := range f.exclude {
		if strings.Contains(lower, ex) {
			return false
		}
	}

	for _, kw := range f.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// PlainText strips markup and entities from a feed summary.
func PlainText(s string) string {
	s = tagRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return strings.Join(strings.Fields(s), " ")
}
