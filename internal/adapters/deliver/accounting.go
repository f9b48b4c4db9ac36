package deliver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fakturenn/fakturenn/internal/core"
	"github.com/fakturenn/fakturenn/internal/domain/model"
	"github.com/fakturenn/fakturenn/internal/pathtemplate"
)

const defaultLabelTemplate = "Facture {invoice_id}"

// accountingConfig is the per-export configuration for the accounting API
// (Paheko-compatible). Credentials live in the export configuration; the
// orchestration core never sees them.
type accountingConfig struct {
	BaseURL         string `json:"base_url"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	TransactionType string `json:"transaction_type"`
	Debit           string `json:"debit"`
	Credit          string `json:"credit"`
	LabelTemplate   string `json:"label_template"`
	Reference       string `json:"reference,omitempty"`
}

func (c *accountingConfig) sanitize() error {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if c.Username == "" || c.Password == "" {
		return fmt.Errorf("username and password are required")
	}
	if c.TransactionType == "" {
		c.TransactionType = "EXPENSE"
	}
	if c.LabelTemplate == "" {
		c.LabelTemplate = defaultLabelTemplate
	}
	if c.Debit == "" || c.Credit == "" {
		return fmt.Errorf("debit and credit account codes are required")
	}
	return nil
}

// firstAccount returns the first code of a comma-separated account list.
func firstAccount(codes string) string {
	if i := strings.Index(codes, ","); i >= 0 {
		codes = codes[:i]
	}
	return strings.TrimSpace(codes)
}

// AccountingDelivery posts invoices as accounting transactions to a
// Paheko-compatible HTTP API. The duplicate key is the rendered label plus
// the transaction date, and the destination's own ledger doubles as a
// second suppression layer through the LedgerLookup capability.
type AccountingDelivery struct {
	client *http.Client
	logger *slog.Logger
}

// NewAccountingDelivery creates a new AccountingDelivery.
func NewAccountingDelivery(client *http.Client, logger *slog.Logger) *AccountingDelivery {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountingDelivery{
		client: client,
		logger: logger.With("component", "accounting_delivery"),
	}
}

var (
	_ core.Delivery     = (*AccountingDelivery)(nil)
	_ core.LedgerLookup = (*AccountingDelivery)(nil)
)

// DuplicateKey is the rendered transaction label joined with the invoice
// date. Two attempts for the same invoice always produce the same label
// and date, so the key is attempt-count independent.
func (d *AccountingDelivery) DuplicateKey(export model.Export, invoice model.Invoice) (string, error) {
	cfg, err := d.parseConfig(export)
	if err != nil {
		return "", err
	}
	label, err := renderFor(cfg.LabelTemplate, invoice)
	if err != nil {
		return "", fmt.Errorf("label template: %w", err)
	}
	return label + "|" + invoice.Date, nil
}

// Deliver creates the accounting transaction. The accounting year is
// discovered from the API by matching the invoice date against the years'
// start and end dates.
func (d *AccountingDelivery) Deliver(ctx context.Context, req core.DeliverRequest) (*core.DeliverResult, error) {
	cfg, err := d.parseConfig(req.Export)
	if err != nil {
		return nil, err
	}
	if req.Invoice.AmountEUR == nil {
		return nil, fmt.Errorf("invoice %s has no parsed amount", req.Invoice.InvoiceID)
	}

	label, err := renderFor(cfg.LabelTemplate, req.Invoice)
	if err != nil {
		return nil, fmt.Errorf("label template: %w", err)
	}

	yearID, err := d.accountingYearFor(ctx, cfg, req.Invoice.Date)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"id_year": yearID,
		"label":   label,
		"date":    req.Invoice.Date,
		"type":    cfg.TransactionType,
		"amount":  *req.Invoice.AmountEUR,
		"debit":   firstAccount(cfg.Debit),
		"credit":  firstAccount(cfg.Credit),
	}
	if cfg.Reference != "" {
		body["reference"] = cfg.Reference
	}

	var created struct {
		ID int64 `json:"id"`
	}
	if err := d.call(ctx, cfg, http.MethodPost, "accounting/transaction", nil, body, &created); err != nil {
		return nil, err
	}

	ref := strconv.FormatInt(created.ID, 10)
	d.logger.InfoContext(ctx, "accounting transaction created",
		"transaction_id", ref, "label", label)
	return &core.DeliverResult{ExternalReference: &ref}, nil
}

// FindExisting scans the debit account's journal for an entry matching the
// duplicate key's label and date. It catches entries written outside this
// system, which the local history cannot know about.
func (d *AccountingDelivery) FindExisting(ctx context.Context, export model.Export, duplicateKey string) (*string, bool, error) {
	cfg, err := d.parseConfig(export)
	if err != nil {
		return nil, false, err
	}

	sep := strings.LastIndex(duplicateKey, "|")
	if sep < 0 {
		return nil, false, fmt.Errorf("malformed duplicate key: %q", duplicateKey)
	}
	label, date := duplicateKey[:sep], duplicateKey[sep+1:]

	yearID, err := d.accountingYearFor(ctx, cfg, date)
	if err != nil {
		return nil, false, err
	}

	var journal []struct {
		ID    int64           `json:"id"`
		Label string          `json:"label"`
		Date  json.RawMessage `json:"date"`
	}
	endpoint := fmt.Sprintf("accounting/years/%d/account/journal", yearID)
	query := url.Values{"code": {firstAccount(cfg.Debit)}}
	if err := d.call(ctx, cfg, http.MethodGet, endpoint, query, nil, &journal); err != nil {
		return nil, false, err
	}

	for _, entry := range journal {
		if entry.Label == label && journalDate(entry.Date) == date {
			ref := strconv.FormatInt(entry.ID, 10)
			return &ref, true, nil
		}
	}
	return nil, false, nil
}

// journalDate normalizes the API's date field, which arrives either as a
// plain string or an object with a date member.
func journalDate(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return truncateDate(s)
	}
	var obj struct {
		Date string `json:"date"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return truncateDate(obj.Date)
	}
	return ""
}

func truncateDate(s string) string {
	if len(s) > 10 {
		return s[:10]
	}
	return s
}

// accountingYearFor finds the accounting year whose range covers the date.
func (d *AccountingDelivery) accountingYearFor(ctx context.Context, cfg *accountingConfig, date string) (int64, error) {
	var years []struct {
		ID        int64  `json:"id"`
		StartDate string `json:"start_date"`
		EndDate   string `json:"end_date"`
	}
	if err := d.call(ctx, cfg, http.MethodGet, "accounting/years", nil, nil, &years); err != nil {
		return 0, err
	}
	for _, y := range years {
		if y.StartDate <= date && date <= y.EndDate {
			return y.ID, nil
		}
	}
	return 0, fmt.Errorf("no accounting year covers %s", date)
}

func (d *AccountingDelivery) call(
	ctx context.Context,
	cfg *accountingConfig,
	method, endpoint string,
	query url.Values,
	body any,
	out any,
) error {
	u := cfg.BaseURL + "/api/" + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(cfg.Username, cfg.Password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("accounting api %s %s: %w", method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("accounting api %s %s: status %d: %s",
			method, endpoint, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode accounting api response: %w", err)
	}
	return nil
}

func (d *AccountingDelivery) parseConfig(export model.Export) (*accountingConfig, error) {
	var cfg accountingConfig
	if len(export.Configuration) > 0 {
		if err := json.Unmarshal(export.Configuration, &cfg); err != nil {
			return nil, fmt.Errorf("parse accounting configuration: %w", err)
		}
	}
	if err := cfg.sanitize(); err != nil {
		return nil, fmt.Errorf("accounting configuration: %w", err)
	}
	if err := pathtemplate.Validate(cfg.LabelTemplate); err != nil {
		return nil, fmt.Errorf("label template: %w", err)
	}
	return &cfg, nil
}
