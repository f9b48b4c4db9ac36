package model

import "encoding/json"

// Invoice is the universal, source-agnostic representation produced by
// extraction. It is transient: it flows through events and is never
// persisted on its own; its durable trace is the export_history row.
type Invoice struct {
	// Date is the invoice date in YYYY-MM-DD form.
	Date string `json:"date"`
	// InvoiceID is the source-assigned identifier when available.
	InvoiceID string `json:"invoice_id"`
	// AmountEUR is the parsed numeric amount when available.
	AmountEUR *float64 `json:"amount_eur,omitempty"`
	// AmountText is the raw textual amount as found in the document.
	AmountText string `json:"amount_text,omitempty"`
	// DocumentPath references the downloaded document payload.
	DocumentPath string `json:"document_path,omitempty"`
	// Source is the logical source name (e.g. "Free", "FreeMobile").
	Source string `json:"source,omitempty"`
	// Fields carries free-form extracted values keyed by pattern group name.
	Fields map[string]string `json:"fields,omitempty"`
}

// AsMap returns the invoice as a generic map for condition evaluation.
// The round trip through JSON keeps field names aligned with the wire form
// mapping conditions are written against.
func (inv *Invoice) AsMap() (map[string]any, error) {
	raw, err := json.Marshal(inv)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
