// Package extract implements the invoice extractors: authenticated portal
// listings, Gmail mailbox searches, and the pattern machinery both share.
// Extractors are stateless between calls; bounding and filtering come from
// the extraction request.
package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fakturenn/fakturenn/internal/domain/model"
)

// jsNamedGroupRe matches JS-style named groups (?<name>, which stored
// patterns use; Go wants (?P<name>.
var jsNamedGroupRe = regexp.MustCompile(`\(\?<([a-zA-Z_][a-zA-Z0-9_]*)>`)

// CompilePatterns compiles one pattern or a list of patterns from a raw
// extraction-params value, translating JS-style named groups.
func CompilePatterns(raw json.RawMessage) ([]*regexp.Regexp, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var exprs []string
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		exprs = []string{single}
	} else if err := json.Unmarshal(raw, &exprs); err != nil {
		return nil, fmt.Errorf("patterns must be a string or list of strings")
	}

	compiled := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		goExpr := jsNamedGroupRe.ReplaceAllString(expr, `(?P<$1>`)
		// (?s) mirrors the DOTALL the patterns were written against.
		re, err := regexp.Compile("(?s)" + goExpr)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", expr, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// ExtractFields applies every pattern to text and merges captured named
// groups; later patterns override earlier ones. An empty map means no
// pattern matched.
func ExtractFields(patterns []*regexp.Regexp, text string) map[string]string {
	fields := make(map[string]string)
	for _, re := range patterns {
		for _, match := range re.FindAllStringSubmatch(text, -1) {
			for i, name := range re.SubexpNames() {
				if name == "" || i >= len(match) || match[i] == "" {
					continue
				}
				fields[name] = match[i]
			}
		}
	}
	return fields
}

// ExtractAll applies every pattern to text and returns one field map per
// match, in document order. Listing pages use this: each match is one row.
func ExtractAll(patterns []*regexp.Regexp, text string) []map[string]string {
	var rows []map[string]string
	for _, re := range patterns {
		for _, match := range re.FindAllStringSubmatch(text, -1) {
			fields := make(map[string]string)
			for i, name := range re.SubexpNames() {
				if name == "" || i >= len(match) || match[i] == "" {
					continue
				}
				fields[name] = match[i]
			}
			if len(fields) > 0 {
				rows = append(rows, fields)
			}
		}
	}
	return rows
}

// ParseAmountEUR parses a French-formatted amount label ("19,99€") into a
// numeric value. Nil means unparseable, not zero.
func ParseAmountEUR(text string) *float64 {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.ReplaceAll(cleaned, "€", "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	cleaned = strings.ReplaceAll(cleaned, ",", ".")
	if cleaned == "" {
		return nil
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	return &v
}

// frenchMonthNumbers maps lowercased French month names to month numbers.
var frenchMonthNumbers = map[string]time.Month{
	"janvier":   time.January,
	"février":   time.February,
	"mars":      time.March,
	"avril":     time.April,
	"mai":       time.May,
	"juin":      time.June,
	"juillet":   time.July,
	"août":      time.August,
	"septembre": time.September,
	"octobre":   time.October,
	"novembre":  time.November,
	"décembre":  time.December,
}

var (
	fullDateRe    = regexp.MustCompile(`(\d{4})[-/](\d{2})[-/](\d{2})`)
	yearMonthRe   = regexp.MustCompile(`(\d{4})[-/](\d{2})`)
	monthYearRe   = regexp.MustCompile(`(\d{2})[-/](\d{4})`)
	dayFirstRe    = regexp.MustCompile(`^(\d{2})/(\d{2})/(\d{4})$`)
	bareYearRe    = regexp.MustCompile(`(\d{4})`)
	isoDateLayout = "2006-01-02"
)

// ParseDateLabel parses the date labels invoices carry: ISO dates,
// dd/mm/yyyy, year-month in either order, French month name plus year, or
// a bare year. Partial labels resolve to the first day of their period.
func ParseDateLabel(label string) (time.Time, bool) {
	txt := strings.TrimSpace(label)
	if txt == "" {
		return time.Time{}, false
	}

	if m := dayFirstRe.FindStringSubmatch(txt); m != nil {
		t, err := time.Parse(isoDateLayout, m[3]+"-"+m[2]+"-"+m[1])
		return t, err == nil
	}
	if m := fullDateRe.FindStringSubmatch(txt); m != nil {
		t, err := time.Parse(isoDateLayout, m[1]+"-"+m[2]+"-"+m[3])
		return t, err == nil
	}
	if m := yearMonthRe.FindStringSubmatch(txt); m != nil {
		t, err := time.Parse(isoDateLayout, m[1]+"-"+m[2]+"-01")
		return t, err == nil
	}
	if m := monthYearRe.FindStringSubmatch(txt); m != nil {
		t, err := time.Parse(isoDateLayout, m[2]+"-"+m[1]+"-01")
		return t, err == nil
	}
	if m := bareYearRe.FindStringSubmatch(txt); m != nil {
		year, _ := strconv.Atoi(m[1])
		lower := strings.ToLower(txt)
		for name, month := range frenchMonthNumbers {
			if strings.Contains(lower, name) {
				return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC), true
			}
		}
		return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}

// NormalizeDateLabel renders a parsed date label in ISO form, falling back
// to the raw label when it cannot be parsed.
func NormalizeDateLabel(label string) string {
	if t, ok := ParseDateLabel(label); ok {
		return t.Format(isoDateLayout)
	}
	return strings.TrimSpace(label)
}

// FilterFromDate keeps invoices dated on or after fromDate. Invoices with
// unparseable dates are dropped rather than guessed at.
func FilterFromDate(invoices []model.Invoice, fromDate *time.Time) []model.Invoice {
	if fromDate == nil {
		return invoices
	}
	kept := make([]model.Invoice, 0, len(invoices))
	for _, inv := range invoices {
		t, ok := ParseDateLabel(inv.Date)
		if ok && !t.Before(*fromDate) {
			kept = append(kept, inv)
		}
	}
	return kept
}

// Bound truncates invoices to maxResults when positive.
func Bound(invoices []model.Invoice, maxResults int) []model.Invoice {
	if maxResults > 0 && len(invoices) > maxResults {
		return invoices[:maxResults]
	}
	return invoices
}
