package stages

import (
	"strings"
	"text/template"
	"unicode/utf8"
)

// TemplateFuncMap returns the functions available to prompt templates.
// Every function is pure and safe for concurrent template execution.
//
//	tmpl, err := template.New("judge").Funcs(TemplateFuncMap()).Parse(text)
func TemplateFuncMap() template.FuncMap {
	return template.FuncMap{
		// add converts 0-based indexes for display: {{add $i 1}}
		"add": func(a, b int) int {
			return a + b
		},

		// truncate limits s to n runes, ending with "..." when cut.
		// A non-positive n yields "".
		"truncate": truncateRunes,

		"join": func(elems []string, sep string) string {
			return strings.Join(elems, sep)
		},

		// fence wraps s in a block delimited by tag so candidate text cannot
		// be confused with instructions: {{fence "ANSWER" $c.Text}}
		"fence": func(tag, s string) string {
			return "<<<" + tag + "\n" + s + "\n" + tag + ">>>"
		},
	}
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	if n > 3 {
		return string(runes[:n-3]) + "..."
	}
	return string(runes[:n])
}
