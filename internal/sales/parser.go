// Package sales extracts annual-premium sale entries from free-text chat
// messages.
package sales

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultCategory is used when a segment carries no usable label.
const DefaultCategory = "General Policy"

const maxCategoryWords = 3

// Entry is one sale found in a message.
type Entry struct {
	Amount   decimal.Decimal
	Category string
}

// Keywords is the closed list of recognized policy categories, longest first
// so that multi-word and prefixed forms win over their shorter stems.
var Keywords = []string{
	"Variable Universal Life",
	"Index Universal Life",
	"Universal Life",
	"Final Expense",
	"Whole Life",
	"Term Life",
	"Americo",
	"Ladder",
	"IULE",
	"TERM",
	"IUL",
	"NLG",
	"TLE",
	"MOO",
	"UL",
	"WL",
}

// RoleLabels prefix a sale when one message reports several insureds.
var RoleLabels = []string{
	"His", "Hers", "Child", "Spouse", "Wife", "Husband",
	"Son", "Daughter", "Kid", "Parent", "Mother", "Father",
}

var (
	whitespaceRe = regexp.MustCompile(`\s+`)

	// One alternation keeps matches non-overlapping, so every literal amount
	// is found exactly once. The trailing form takes no inner space so that
	// "100 $200" is read as one sale of 200.
	amountRe = regexp.MustCompile(`\$\s?(\d{1,3}(?:,\d{3})+|\d+)(\.\d{2})?|(\d{1,3}(?:,\d{3})+|\d+)(\.\d{2})?\$`)

	roleLabelRe    = regexp.MustCompile(`(?i)\b(?:` + strings.Join(RoleLabels, "|") + `)\s*:`)
	discordEmojiRe = regexp.MustCompile(`<a?:\w+:\d+>`)
	colonEmojiRe   = regexp.MustCompile(`:\w+:`)
	unicodeEmojiRe = regexp.MustCompile(`[\x{1F000}-\x{1FAFF}\x{2600}-\x{27BF}\x{2B00}-\x{2BFF}\x{FE0F}\x{200D}\x{20E3}]`)
	mentionRe      = regexp.MustCompile(`<@[!&]?\d+>|<#\d+>|@\w+`)
	commentaryRe   = regexp.MustCompile(`(?i)\bw/|\bwith\b`)
	symbolRe       = regexp.MustCompile(`[^\w\s-]`)
	keywordRe      = regexp.MustCompile(`(?i)(?:\w+\s+)?\b(?:` + keywordAlternation() + `)\b(?:\s+\w+)?`)

	titleCaser = cases.Title(language.English)
)

func keywordAlternation() string {
	quoted := make([]string, len(Keywords))
	for i, k := range Keywords {
		quoted[i] = strings.ReplaceAll(regexp.QuoteMeta(k), " ", `\s+`)
	}
	return strings.Join(quoted, "|")
}

// Parse returns every sale in text, in input order. Text without a currency
// amount yields nil. Amounts that are zero or malformed are skipped.
func Parse(text string) []Entry {
	text = collapse(text)
	if text == "" {
		return nil
	}

	matches := amountRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}

	var entries []Entry
	for i, m := range matches {
		if truncated(text, m) {
			continue
		}
		amount, ok := parseAmount(text, m)
		if !ok {
			continue
		}

		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		entries = append(entries, Entry{
			Amount:   amount,
			Category: Categorize(text[m[1]:end]),
		})
	}
	return entries
}

// Total sums the amounts of entries.
func Total(entries []Entry) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Amount)
	}
	return sum
}

// truncated reports a match that covers only part of a run of digits, as in
// "$1,00" or "1,50$", where the thousands group failed and a shorter form
// matched instead.
func truncated(text string, m []int) bool {
	if m[2] >= 0 {
		rest := text[m[1]:]
		if rest == "" {
			return false
		}
		return isDigit(rest[0]) || (len(rest) > 1 && rest[0] == ',' && isDigit(rest[1]))
	}
	head := text[:m[0]]
	n := len(head)
	return n > 1 && (head[n-1] == ',' || head[n-1] == '.') && isDigit(head[n-2])
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// parseAmount reads the integer and fraction groups of either surface form.
func parseAmount(text string, m []int) (decimal.Decimal, bool) {
	intStart, intEnd, fracStart, fracEnd := m[2], m[3], m[4], m[5]
	if intStart < 0 {
		intStart, intEnd, fracStart, fracEnd = m[6], m[7], m[8], m[9]
	}
	if intStart < 0 {
		return decimal.Zero, false
	}

	raw := strings.ReplaceAll(text[intStart:intEnd], ",", "")
	if fracStart >= 0 {
		raw += text[fracStart:fracEnd]
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil || !amount.IsPositive() {
		return decimal.Zero, false
	}
	return amount, true
}

// Categorize turns the text following an amount into a title-cased label.
func Categorize(segment string) string {
	cleaned := clean(segment)

	label := cleaned
	if kw := keywordRe.FindString(cleaned); kw != "" {
		label = collapse(kw)
	} else if words := strings.Fields(cleaned); len(words) > maxCategoryWords {
		label = strings.Join(words[:maxCategoryWords], " ")
	}

	if len(label) < 2 {
		label = DefaultCategory
	}
	return titleCaser.String(label)
}

func clean(s string) string {
	// Role labels are removed wherever they appear: the label of the next
	// sale sits at the tail of the previous segment.
	s = roleLabelRe.ReplaceAllString(s, " ")
	s = discordEmojiRe.ReplaceAllString(s, " ")
	s = colonEmojiRe.ReplaceAllString(s, " ")
	s = unicodeEmojiRe.ReplaceAllString(s, " ")
	s = mentionRe.ReplaceAllString(s, " ")

	if loc := commentaryRe.FindStringIndex(s); loc != nil {
		s = s[:loc[0]]
	}
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}

	s = symbolRe.ReplaceAllString(s, " ")
	return collapse(s)
}

func collapse(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}
