// Package pathtemplate renders destination path and label templates for
// exported invoices. Rendering is a pure, single left-to-right substitution
// pass; an unresolved placeholder is a validation error raised before any
// destination write is attempted.
package pathtemplate

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Context supplies the values substituted into a template.
type Context struct {
	// Date is the invoice date in YYYY-MM-DD form; year, month, month_name,
	// quarter and date placeholders derive from it.
	Date      string
	InvoiceID string
	Source    string
	AmountEUR *float64
	Filename  string
}

// frenchMonths maps zero-padded month numbers to localized month names.
var frenchMonths = map[string]string{
	"01": "Janvier",
	"02": "Février",
	"03": "Mars",
	"04": "Avril",
	"05": "Mai",
	"06": "Juin",
	"07": "Juillet",
	"08": "Août",
	"09": "Septembre",
	"10": "Octobre",
	"11": "Novembre",
	"12": "Décembre",
}

var placeholderRe = regexp.MustCompile(`\{(\w+)\}`)

// knownPlaceholders enumerates every placeholder Render can resolve.
var knownPlaceholders = []string{
	"year", "month", "month_name", "quarter", "date",
	"invoice_id", "source", "amount", "filename",
}

// ErrEmptyTemplate is returned for an empty template string.
var ErrEmptyTemplate = errors.New("template cannot be empty")

// Quarter returns the calendar quarter (Q1-Q4) for a zero-padded month.
func Quarter(month string) string {
	m, err := strconv.Atoi(month)
	if err != nil || m < 1 || m > 12 {
		return ""
	}
	return "Q" + strconv.Itoa((m-1)/3+1)
}

// Validate checks a template for unknown placeholders without rendering it.
func Validate(template string) error {
	if template == "" {
		return ErrEmptyTemplate
	}
	matches := placeholderRe.FindAllStringSubmatch(template, -1)
	if len(matches) == 0 {
		return errors.New("template must contain at least one placeholder")
	}
	for _, m := range matches {
		name := m[1]
		known := false
		for _, k := range knownPlaceholders {
			if name == k {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("unknown placeholder: %s", name)
		}
	}
	return nil
}

// Render substitutes every placeholder in template from ctx. It fails on the
// first placeholder it cannot resolve, so a partially templated path can
// never reach a destination.
func Render(template string, ctx Context) (string, error) {
	if template == "" {
		return "", ErrEmptyTemplate
	}

	values := map[string]string{
		"date":       ctx.Date,
		"invoice_id": ctx.InvoiceID,
		"source":     ctx.Source,
		"filename":   ctx.Filename,
	}
	if len(ctx.Date) >= 7 {
		year, month := ctx.Date[:4], ctx.Date[5:7]
		values["year"] = year
		values["month"] = month
		if name, ok := frenchMonths[month]; ok {
			values["month_name"] = name
		}
		values["quarter"] = Quarter(month)
	}
	if ctx.AmountEUR != nil {
		values["amount"] = strconv.FormatFloat(*ctx.AmountEUR, 'f', 2, 64)
	}

	var renderErr error
	rendered := placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.Trim(match, "{}")
		v, ok := values[name]
		if !ok || v == "" {
			if renderErr == nil {
				renderErr = fmt.Errorf("unresolved placeholder: %s", name)
			}
			return match
		}
		return v
	})
	if renderErr != nil {
		return "", renderErr
	}
	return rendered, nil
}
