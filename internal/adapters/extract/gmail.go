package extract

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/fakturenn/fakturenn/internal/auth"
	"github.com/fakturenn/fakturenn/internal/core"
	"github.com/fakturenn/fakturenn/internal/domain/model"
)

// gmailConfig is the per-source extraction configuration for a mailbox
// search. Exactly one of the pattern sets drives extraction: email_text
// patterns run against the plain-text body, email_html against the HTML
// body.
type gmailConfig struct {
	EmailText json.RawMessage `json:"email_text"`
	EmailHTML json.RawMessage `json:"email_html"`
	// SourceName overrides the logical source name on extracted invoices.
	SourceName string `json:"source_name"`
}

// GmailExtractor searches a mailbox for invoice mails, extracts fields
// from their bodies with the configured patterns, and saves attachments
// as the invoice documents.
type GmailExtractor struct {
	tokens  *auth.TokenCache
	workDir string
	logger  *slog.Logger
}

// GmailExtractorOptions holds the dependencies for creating a GmailExtractor.
type GmailExtractorOptions struct {
	Tokens  oauth2.TokenSource
	WorkDir string
	Logger  *slog.Logger
}

// NewGmailExtractor creates a new GmailExtractor.
func NewGmailExtractor(opts GmailExtractorOptions) *GmailExtractor {
	if opts.WorkDir == "" {
		opts.WorkDir = "factures"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &GmailExtractor{
		tokens:  auth.NewTokenCache(opts.Tokens),
		workDir: opts.WorkDir,
		logger:  opts.Logger.With("component", "gmail_extractor"),
	}
}

var _ core.Extractor = (*GmailExtractor)(nil)

// Extract searches the mailbox, bounded by the request's from date and
// max results, and produces one invoice per matching mail.
func (e *GmailExtractor) Extract(ctx context.Context, req core.ExtractRequest) ([]model.Invoice, error) {
	var cfg gmailConfig
	if len(req.Source.ExtractionParams) > 0 {
		if err := json.Unmarshal(req.Source.ExtractionParams, &cfg); err != nil {
			return nil, fmt.Errorf("parse gmail extraction params: %w", err)
		}
	}

	useHTML := false
	rawPatterns := cfg.EmailText
	if len(rawPatterns) == 0 {
		rawPatterns = cfg.EmailHTML
		useHTML = true
	}
	patterns, err := CompilePatterns(rawPatterns)
	if err != nil {
		return nil, fmt.Errorf("gmail patterns: %w", err)
	}
	if len(patterns) == 0 {
		return nil, fmt.Errorf("gmail extraction params define no body patterns")
	}

	sourceName := cfg.SourceName
	if sourceName == "" {
		sourceName = req.Source.Name
	}

	svc, err := gmail.NewService(ctx, option.WithTokenSource(e.tokens))
	if err != nil {
		return nil, fmt.Errorf("init gmail service: %w", err)
	}

	query := buildQuery(req)
	listCall := svc.Users.Messages.List("me").Q(query).Context(ctx)
	if req.MaxResults > 0 {
		listCall = listCall.MaxResults(int64(req.MaxResults))
	}
	listing, err := listCall.Do()
	if err != nil {
		return nil, fmt.Errorf("gmail search %q: %w", query, err)
	}

	var invoices []model.Invoice
	for _, ref := range listing.Messages {
		msg, err := svc.Users.Messages.Get("me", ref.Id).Format("full").Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("gmail get message %s: %w", ref.Id, err)
		}

		body := messageBody(msg.Payload, useHTML)
		fields := ExtractFields(patterns, body)
		if len(fields) == 0 {
			continue
		}

		dateLabel := fields["date"]
		if dateLabel == "" {
			dateLabel = headerValue(msg.Payload, "Date")
		}
		inv := model.Invoice{
			Date:       NormalizeDateLabel(dateLabel),
			InvoiceID:  fields["invoice_id"],
			AmountText: fields["amount_text"],
			AmountEUR:  ParseAmountEUR(fields["amount_text"]),
			Source:     sourceName,
			Fields:     fields,
		}

		docPath, err := e.saveFirstAttachment(ctx, svc, msg, sourceName)
		if err != nil {
			return nil, err
		}
		inv.DocumentPath = docPath

		invoices = append(invoices, inv)
	}

	invoices = FilterFromDate(invoices, req.FromDate)
	invoices = Bound(invoices, req.MaxResults)

	e.logger.InfoContext(ctx, "gmail extraction finished",
		"source", sourceName, "query", query, "invoices", len(invoices))
	return invoices, nil
}

// buildQuery assembles the mailbox search from the source's sender and
// subject filters plus the job's from date.
func buildQuery(req core.ExtractRequest) string {
	var parts []string
	if req.Source.EmailSenderFrom != nil && *req.Source.EmailSenderFrom != "" {
		parts = append(parts, "from:"+*req.Source.EmailSenderFrom)
	}
	if req.Source.EmailSubjectLike != nil && *req.Source.EmailSubjectLike != "" {
		parts = append(parts, fmt.Sprintf("subject:'%s'", *req.Source.EmailSubjectLike))
	}
	if req.FromDate != nil {
		parts = append(parts, "after:"+req.FromDate.Format("2006/01/02"))
	}
	parts = append(parts, "has:attachment")
	return strings.Join(parts, " ")
}

// messageBody walks the MIME tree collecting the requested body flavor.
func messageBody(payload *gmail.MessagePart, wantHTML bool) string {
	if payload == nil {
		return ""
	}
	mime := "text/plain"
	if wantHTML {
		mime = "text/html"
	}

	var collect func(part *gmail.MessagePart) string
	collect = func(part *gmail.MessagePart) string {
		if part == nil {
			return ""
		}
		if part.MimeType == mime && part.Body != nil && part.Body.Data != "" {
			decoded, err := decodeBase64URL(part.Body.Data)
			if err != nil {
				return ""
			}
			return string(decoded)
		}
		for _, child := range part.Parts {
			if body := collect(child); body != "" {
				return body
			}
		}
		return ""
	}
	return collect(payload)
}

func headerValue(payload *gmail.MessagePart, name string) string {
	if payload == nil {
		return ""
	}
	for _, h := range payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// saveFirstAttachment stores the message's first attachment in the work
// directory and returns its path. Messages without attachments yield an
// empty path; the invoice still counts, it just has no document.
func (e *GmailExtractor) saveFirstAttachment(
	ctx context.Context,
	svc *gmail.Service,
	msg *gmail.Message,
	sourceName string,
) (string, error) {
	part := findAttachment(msg.Payload)
	if part == nil {
		return "", nil
	}

	data := part.Body.Data
	if data == "" && part.Body.AttachmentId != "" {
		att, err := svc.Users.Messages.Attachments.Get("me", msg.Id, part.Body.AttachmentId).
			Context(ctx).Do()
		if err != nil {
			return "", fmt.Errorf("gmail get attachment: %w", err)
		}
		data = att.Data
	}
	if data == "" {
		return "", nil
	}

	raw, err := decodeBase64URL(data)
	if err != nil {
		return "", fmt.Errorf("decode attachment: %w", err)
	}

	if err := os.MkdirAll(e.workDir, 0o750); err != nil {
		return "", fmt.Errorf("create work directory: %w", err)
	}
	name := part.Filename
	if name == "" {
		name = msg.Id + ".pdf"
	}
	dest := filepath.Join(e.workDir, sourceName+"_"+filepath.Base(name))
	if err := os.WriteFile(dest, raw, 0o600); err != nil {
		return "", fmt.Errorf("write attachment: %w", err)
	}
	return dest, nil
}

// decodeBase64URL decodes base64url data with or without padding; the
// API is inconsistent about which it returns.
func decodeBase64URL(data string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
}

func findAttachment(part *gmail.MessagePart) *gmail.MessagePart {
	if part == nil {
		return nil
	}
	if part.Filename != "" && part.Body != nil {
		return part
	}
	for _, child := range part.Parts {
		if found := findAttachment(child); found != nil {
			return found
		}
	}
	return nil
}
