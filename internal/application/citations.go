package application

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

// fold case-folds s. A cases.Caser is stateful, so each call gets its own.
func fold(s string) string { return cases.Fold().String(s) }

// citationPattern pairs a reference pattern with the canonical prefix its
// identifiers are rendered under.
type citationPattern struct {
	re     *regexp.Regexp
	prefix string
}

// Identifiers allow sub-paragraphs such as "12(3)(b)" and dotted sections
// such as "4.2". Whitespace inside the identifier is dropped on
// normalization.
var citationPatterns = []citationPattern{
	{regexp.MustCompile(`(?i)\b(?:article|art\.)\s*(\d+[a-z]?(?:\s*\(\s*\w+\s*\))*)`), "Article"},
	{regexp.MustCompile(`(?i)\b(?:section|sec\.)\s*(\d+(?:\.\d+)*[a-z]?(?:\s*\(\s*\w+\s*\))*)`), "Section"},
	{regexp.MustCompile(`§+\s*(\d+(?:\.\d+)*[a-z]?(?:\s*\(\s*\w+\s*\))*)`), "§"},
	{regexp.MustCompile(`(?i)\blaw\s+(?:no\.?|number)\s*(\d+(?:\s*/\s*\d+)?)`), "Law No."},
	{regexp.MustCompile(`(?i)\bregulation\s*(?:\(\s*(?:eu|ec)\s*\)\s*)?(?:no\.?\s*)?(\d+(?:\s*/\s*\d+)*)`), "Regulation"},
	// Arabic markers carry attached prefixes ("للمادة", "بالمادة") and may use
	// Arabic-Indic digits, so they are matched without a word boundary.
	{regexp.MustCompile(`ماد[ةه]\s*(?:رقم\s*)?([0-9٠-٩۰-۹]+(?:\s*\(\s*[\p{L}\p{N}]+\s*\))*)`), "Article"},
	{regexp.MustCompile(`قانون[^0-9٠-٩۰-۹.\n]{0,40}?رقم\s*([0-9٠-٩۰-۹]+(?:\s*(?:/|لسنة|لعام)\s*[0-9٠-٩۰-۹]+)?)`), "Law No."},
}

// arabicCitation folds Arabic-Indic digits and year connectives onto the
// forms the Latin patterns produce, so "المادة ٧٩" and "Article 79" agree.
var arabicCitation = strings.NewReplacer(
	"٠", "0", "١", "1", "٢", "2", "٣", "3", "٤", "4",
	"٥", "5", "٦", "6", "٧", "7", "٨", "8", "٩", "9",
	"۰", "0", "۱", "1", "۲", "2", "۳", "3", "۴", "4",
	"۵", "5", "۶", "6", "۷", "7", "۸", "8", "۹", "9",
	"لسنة", "/", "لعام", "/",
)

// ExtractCitations returns the distinct normalized citation identifiers in
// text, sorted with CompareCitations.
//
//	ExtractCitations("see art. 79 (3) and Law no. 13/2003")
//	// ["Article 79(3)", "Law No. 13/2003"]
func ExtractCitations(text string) []string {
	seen := make(map[string]struct{})
	for _, p := range citationPatterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			seen[normalizeCitation(p.prefix, m[1])] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	slices.SortFunc(out, CompareCitations)
	return out
}

func normalizeCitation(prefix, id string) string {
	id = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, id)
	return prefix + " " + fold(arabicCitation.Replace(id))
}

// citationBase strips sub-paragraph qualifiers: "Article 79(3)" has base
// "Article 79".
func citationBase(id string) string {
	if i := strings.IndexByte(id, '('); i > 0 {
		return id[:i]
	}
	return id
}

// CompareCitations orders identifiers by prefix, then by their numeric parts
// so that "Article 9" sorts before "Article 10".
func CompareCitations(a, b string) int {
	ca, cb := citationChunks(a), citationChunks(b)
	for i := 0; i < len(ca) && i < len(cb); i++ {
		x, y := ca[i], cb[i]
		xn, xerr := strconv.Atoi(x)
		yn, yerr := strconv.Atoi(y)
		switch {
		case xerr == nil && yerr == nil:
			if xn != yn {
				return xn - yn
			}
		case x != y:
			return strings.Compare(x, y)
		}
	}
	return len(ca) - len(cb)
}

// citationChunks splits s into alternating digit and non-digit runs.
func citationChunks(s string) []string {
	var chunks []string
	start := 0
	for i := 1; i <= len(s); i++ {
		if i == len(s) || isDigit(s[i]) != isDigit(s[i-1]) {
			chunks = append(chunks, s[start:i])
			start = i
		}
	}
	return chunks
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
