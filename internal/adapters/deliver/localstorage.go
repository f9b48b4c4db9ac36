package deliver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fakturenn/fakturenn/internal/core"
	"github.com/fakturenn/fakturenn/internal/domain/model"
	"github.com/fakturenn/fakturenn/internal/pathtemplate"
)

const defaultPathTemplate = "{year}/{month}/{source}_{invoice_id}.pdf"

// localStorageConfig is the per-export configuration for filesystem delivery.
type localStorageConfig struct {
	BasePath     string `json:"base_path"`
	PathTemplate string `json:"path_template"`
}

func (c *localStorageConfig) sanitize() {
	if c.BasePath == "" {
		c.BasePath = "factures"
	}
	if c.PathTemplate == "" {
		c.PathTemplate = defaultPathTemplate
	}
}

// LocalStorageDelivery copies invoice documents into a templated directory
// tree. The duplicate key is the rendered destination path, so the same
// invoice redelivered maps to the same file and is suppressed.
type LocalStorageDelivery struct {
	logger *slog.Logger
}

// NewLocalStorageDelivery creates a new LocalStorageDelivery.
func NewLocalStorageDelivery(logger *slog.Logger) *LocalStorageDelivery {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalStorageDelivery{logger: logger.With("component", "local_storage_delivery")}
}

var _ core.Delivery = (*LocalStorageDelivery)(nil)

// DuplicateKey renders the destination path for the invoice. Rendering
// failures surface here, before any write.
func (d *LocalStorageDelivery) DuplicateKey(export model.Export, invoice model.Invoice) (string, error) {
	cfg, err := d.parseConfig(export)
	if err != nil {
		return "", err
	}
	rel, err := renderFor(cfg.PathTemplate, invoice)
	if err != nil {
		return "", err
	}
	return filepath.Join(cfg.BasePath, rel), nil
}

// Deliver copies the invoice document to its rendered destination,
// creating parent directories as needed.
func (d *LocalStorageDelivery) Deliver(ctx context.Context, req core.DeliverRequest) (*core.DeliverResult, error) {
	if req.Invoice.DocumentPath == "" {
		return nil, errors.New("invoice has no document to store")
	}

	dest, err := d.DuplicateKey(req.Export, req.Invoice)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return nil, fmt.Errorf("create destination directory: %w", err)
	}
	if err := copyFile(req.Invoice.DocumentPath, dest); err != nil {
		return nil, err
	}

	d.logger.InfoContext(ctx, "invoice stored", "destination", dest)
	return &core.DeliverResult{ExternalReference: &dest}, nil
}

func (d *LocalStorageDelivery) parseConfig(export model.Export) (*localStorageConfig, error) {
	var cfg localStorageConfig
	if len(export.Configuration) > 0 {
		if err := json.Unmarshal(export.Configuration, &cfg); err != nil {
			return nil, fmt.Errorf("parse local storage configuration: %w", err)
		}
	}
	cfg.sanitize()
	if err := pathtemplate.Validate(cfg.PathTemplate); err != nil {
		return nil, fmt.Errorf("path template: %w", err)
	}
	return &cfg, nil
}

// renderFor renders a template against an invoice's standard placeholders.
func renderFor(template string, invoice model.Invoice) (string, error) {
	return pathtemplate.Render(template, pathtemplate.Context{
		Date:      invoice.Date,
		InvoiceID: invoice.InvoiceID,
		Source:    invoice.Source,
		AmountEUR: invoice.AmountEUR,
		Filename:  filepath.Base(invoice.DocumentPath),
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src) // #nosec G304 - path comes from extraction output
	if err != nil {
		return fmt.Errorf("open source document: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dest) // #nosec G304 - path rendered from validated template
	if err != nil {
		return fmt.Errorf("create destination file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy document: %w", err)
	}
	return out.Close()
}
