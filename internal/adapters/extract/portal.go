package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fakturenn/fakturenn/internal/core"
	"github.com/fakturenn/fakturenn/internal/domain/model"
)

// invoiceIDRe pulls the provider invoice number out of a download link.
var invoiceIDRe = regexp.MustCompile(`no_facture=(\d+)`)

// PortalCredentials authenticates one subscriber portal account.
type PortalCredentials struct {
	Login    string
	Password string
}

// portalConfig is the per-source extraction configuration for a portal.
// Row patterns capture named groups date, amount_text, href and
// optionally invoice_id from the listing page HTML.
type portalConfig struct {
	LoginURL   string          `json:"login_url"`
	LoginField string          `json:"login_field"`
	PassField  string          `json:"pass_field"`
	ListURL    string          `json:"list_url"`
	RowPattern json.RawMessage `json:"row_pattern"`
	SourceName string          `json:"source_name"`
}

func (c *portalConfig) validate() error {
	if c.ListURL == "" {
		return fmt.Errorf("list_url is required")
	}
	if len(c.RowPattern) == 0 {
		return fmt.Errorf("row_pattern is required")
	}
	if c.LoginField == "" {
		c.LoginField = "login"
	}
	if c.PassField == "" {
		c.PassField = "pass"
	}
	return nil
}

// PortalExtractor lists and downloads invoices from subscriber portals
// (Free, Free Mobile) over an authenticated HTTP session. Authentication
// is a plain form POST with the session kept in a cookie jar; there is no
// browser in the loop.
type PortalExtractor struct {
	creds   map[model.SourceType]PortalCredentials
	workDir string
	timeout time.Duration
	logger  *slog.Logger
}

// PortalExtractorOptions holds the dependencies for creating a PortalExtractor.
type PortalExtractorOptions struct {
	// Credentials maps portal source types to their account credentials.
	Credentials map[model.SourceType]PortalCredentials
	// WorkDir receives downloaded invoice documents.
	WorkDir string
	// HTTPTimeout bounds individual portal requests.
	HTTPTimeout time.Duration
	Logger      *slog.Logger
}

// NewPortalExtractor creates a new PortalExtractor.
func NewPortalExtractor(opts PortalExtractorOptions) *PortalExtractor {
	if opts.WorkDir == "" {
		opts.WorkDir = "factures"
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &PortalExtractor{
		creds:   opts.Credentials,
		workDir: opts.WorkDir,
		timeout: opts.HTTPTimeout,
		logger:  opts.Logger.With("component", "portal_extractor"),
	}
}

var _ core.Extractor = (*PortalExtractor)(nil)

// Extract logs in, walks the listing page for each year in range, and
// downloads every invoice document the row patterns surface.
func (e *PortalExtractor) Extract(ctx context.Context, req core.ExtractRequest) ([]model.Invoice, error) {
	var cfg portalConfig
	if len(req.Source.ExtractionParams) > 0 {
		if err := json.Unmarshal(req.Source.ExtractionParams, &cfg); err != nil {
			return nil, fmt.Errorf("parse portal extraction params: %w", err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("portal extraction params: %w", err)
	}
	patterns, err := CompilePatterns(cfg.RowPattern)
	if err != nil {
		return nil, fmt.Errorf("portal row pattern: %w", err)
	}
	sourceName := cfg.SourceName
	if sourceName == "" {
		sourceName = req.Source.Name
	}

	// Fresh jar per call: sessions never leak across sources or jobs.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	client := &http.Client{Jar: jar, Timeout: e.timeout}

	if cfg.LoginURL != "" {
		if err := e.login(ctx, client, &cfg, req.Source.Type); err != nil {
			return nil, err
		}
	}

	invoices, err := e.listInvoices(ctx, client, &cfg, patterns, sourceName, req.FromDate)
	if err != nil {
		return nil, err
	}

	invoices = FilterFromDate(invoices, req.FromDate)
	invoices = Bound(invoices, req.MaxResults)

	for i := range invoices {
		if err := e.download(ctx, client, &invoices[i], sourceName); err != nil {
			return nil, fmt.Errorf("download invoice %s: %w", invoices[i].InvoiceID, err)
		}
	}

	e.logger.InfoContext(ctx, "portal extraction finished",
		"source", sourceName, "invoices", len(invoices))
	return invoices, nil
}

func (e *PortalExtractor) login(ctx context.Context, client *http.Client, cfg *portalConfig, t model.SourceType) error {
	creds, ok := e.creds[t]
	if !ok || creds.Login == "" {
		return fmt.Errorf("no portal credentials configured for source type %s", t)
	}

	form := url.Values{
		cfg.LoginField: {creds.Login},
		cfg.PassField:  {creds.Password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.LoginURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("portal login: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("portal login rejected: status %d", resp.StatusCode)
	}
	return nil
}

// listInvoices fetches the listing for every year between the from date
// and now. A {year} placeholder in list_url selects the year page; without
// one the listing is fetched a single time.
func (e *PortalExtractor) listInvoices(
	ctx context.Context,
	client *http.Client,
	cfg *portalConfig,
	patterns []*regexp.Regexp,
	sourceName string,
	fromDate *time.Time,
) ([]model.Invoice, error) {
	urls := []string{cfg.ListURL}
	if strings.Contains(cfg.ListURL, "{year}") {
		startYear := time.Now().Year()
		if fromDate != nil {
			startYear = fromDate.Year()
		}
		urls = urls[:0]
		for y := startYear; y <= time.Now().Year(); y++ {
			urls = append(urls, strings.ReplaceAll(cfg.ListURL, "{year}", strconv.Itoa(y)))
		}
	}

	var invoices []model.Invoice
	for _, u := range urls {
		page, err := e.fetch(ctx, client, u)
		if err != nil {
			return nil, err
		}
		for _, row := range ExtractAll(patterns, page) {
			inv := model.Invoice{
				Date:       NormalizeDateLabel(row["date"]),
				InvoiceID:  row["invoice_id"],
				AmountText: row["amount_text"],
				AmountEUR:  ParseAmountEUR(row["amount_text"]),
				Source:     sourceName,
				Fields:     row,
			}
			if href := row["href"]; href != "" {
				resolved, err := resolveHref(u, href)
				if err != nil {
					e.logger.WarnContext(ctx, "skip row with bad link",
						"href", href, "error", err)
					continue
				}
				inv.Fields["download_url"] = resolved
				if inv.InvoiceID == "" {
					if m := invoiceIDRe.FindStringSubmatch(resolved); m != nil {
						inv.InvoiceID = m[1]
					}
				}
			}
			invoices = append(invoices, inv)
		}
	}
	return invoices, nil
}

func (e *PortalExtractor) download(ctx context.Context, client *http.Client, inv *model.Invoice, sourceName string) error {
	downloadURL := inv.Fields["download_url"]
	if downloadURL == "" {
		return nil
	}

	if err := os.MkdirAll(e.workDir, 0o750); err != nil {
		return fmt.Errorf("create work directory: %w", err)
	}
	name := fmt.Sprintf("%s_%s_%s.pdf",
		sourceName, strings.ReplaceAll(inv.Date, " ", "_"), orUnknown(inv.InvoiceID))
	dest := filepath.Join(e.workDir, name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download rejected: status %d", resp.StatusCode)
	}

	out, err := os.Create(dest) // #nosec G304 - name built from sanitized fields
	if err != nil {
		return fmt.Errorf("create document file: %w", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		return fmt.Errorf("write document: %w", err)
	}
	if err := out.Close(); err != nil {
		return err
	}

	inv.DocumentPath = dest
	return nil
}

func (e *PortalExtractor) fetch(ctx context.Context, client *http.Client, u string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build listing request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch listing %s: %w", u, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch listing %s: status %d", u, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read listing: %w", err)
	}
	return string(body), nil
}

// resolveHref absolutizes an href found in a listing page against the
// page's own URL, unescaping HTML entities first.
func resolveHref(pageURL, href string) (string, error) {
	href = html.UnescapeString(href)
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
