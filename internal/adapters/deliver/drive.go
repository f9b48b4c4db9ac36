package deliver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"

	"golang.org/x/oauth2"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/fakturenn/fakturenn/internal/auth"
	"github.com/fakturenn/fakturenn/internal/core"
	"github.com/fakturenn/fakturenn/internal/domain/model"
	"github.com/fakturenn/fakturenn/internal/pathtemplate"
)

const driveFolderMimeType = "application/vnd.google-apps.folder"

// driveConfig is the per-export configuration for cloud drive delivery.
type driveConfig struct {
	PathTemplate   string   `json:"path_template"`
	ParentFolderID string   `json:"parent_folder_id"`
	ShareWith      []string `json:"share_with,omitempty"`
}

func (c *driveConfig) sanitize() {
	if c.PathTemplate == "" {
		c.PathTemplate = defaultPathTemplate
	}
	if c.ParentFolderID == "" {
		c.ParentFolderID = "root"
	}
}

// DriveDelivery uploads invoice documents into a templated Google Drive
// folder tree. The duplicate key is the rendered drive path; folder
// lookups are by name under the parent, so re-running never forks the tree.
type DriveDelivery struct {
	tokens *auth.TokenCache
	logger *slog.Logger
}

// NewDriveDelivery creates a new DriveDelivery using tokens for API access.
func NewDriveDelivery(tokens oauth2.TokenSource, logger *slog.Logger) *DriveDelivery {
	if logger == nil {
		logger = slog.Default()
	}
	return &DriveDelivery{
		tokens: auth.NewTokenCache(tokens),
		logger: logger.With("component", "drive_delivery"),
	}
}

var _ core.Delivery = (*DriveDelivery)(nil)

// DuplicateKey renders the drive destination path for the invoice.
func (d *DriveDelivery) DuplicateKey(export model.Export, invoice model.Invoice) (string, error) {
	cfg, err := d.parseConfig(export)
	if err != nil {
		return "", err
	}
	rendered, err := renderFor(cfg.PathTemplate, invoice)
	if err != nil {
		return "", err
	}
	return path.Join("drive:", cfg.ParentFolderID, rendered), nil
}

// Deliver uploads the invoice document, creating the folder path segment
// by segment under the configured parent.
func (d *DriveDelivery) Deliver(ctx context.Context, req core.DeliverRequest) (*core.DeliverResult, error) {
	cfg, err := d.parseConfig(req.Export)
	if err != nil {
		return nil, err
	}
	if req.Invoice.DocumentPath == "" {
		return nil, errors.New("invoice has no document to upload")
	}

	rendered, err := renderFor(cfg.PathTemplate, req.Invoice)
	if err != nil {
		return nil, err
	}

	svc, err := drive.NewService(ctx, option.WithTokenSource(d.tokens))
	if err != nil {
		return nil, fmt.Errorf("init drive service: %w", err)
	}

	dir, filename := path.Split(rendered)
	folderID, err := d.ensureFolderPath(ctx, svc, cfg.ParentFolderID, dir)
	if err != nil {
		return nil, err
	}

	doc, err := os.Open(req.Invoice.DocumentPath) // #nosec G304 - path comes from extraction output
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	defer func() { _ = doc.Close() }()

	created, err := svc.Files.Create(&drive.File{
		Name:    filename,
		Parents: []string{folderID},
	}).Media(doc).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("upload to drive: %w", driveErr(err))
	}

	for _, email := range cfg.ShareWith {
		_, err := svc.Permissions.Create(created.Id, &drive.Permission{
			Type:         "user",
			Role:         "reader",
			EmailAddress: email,
		}).Context(ctx).Do()
		if err != nil {
			d.logger.WarnContext(ctx, "share drive file failed",
				"file_id", created.Id, "email", email, "error", err)
		}
	}

	d.logger.InfoContext(ctx, "invoice uploaded to drive",
		"file_id", created.Id, "path", rendered)
	return &core.DeliverResult{ExternalReference: &created.Id}, nil
}

// ensureFolderPath walks the slash-separated dir under parentID, creating
// missing folders. An existing folder with the same name is reused.
func (d *DriveDelivery) ensureFolderPath(ctx context.Context, svc *drive.Service, parentID, dir string) (string, error) {
	current := parentID
	for _, segment := range strings.Split(strings.Trim(dir, "/"), "/") {
		if segment == "" {
			continue
		}
		id, err := d.findOrCreateFolder(ctx, svc, current, segment)
		if err != nil {
			return "", err
		}
		current = id
	}
	return current, nil
}

func (d *DriveDelivery) findOrCreateFolder(ctx context.Context, svc *drive.Service, parentID, name string) (string, error) {
	query := fmt.Sprintf(
		"name = '%s' and '%s' in parents and mimeType = '%s' and trashed = false",
		strings.ReplaceAll(name, "'", `\'`), parentID, driveFolderMimeType,
	)
	list, err := svc.Files.List().Q(query).Fields("files(id)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("list drive folder %q: %w", name, driveErr(err))
	}
	if len(list.Files) > 0 {
		return list.Files[0].Id, nil
	}

	created, err := svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: driveFolderMimeType,
		Parents:  []string{parentID},
	}).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("create drive folder %q: %w", name, driveErr(err))
	}
	return created.Id, nil
}

// driveErr unwraps googleapi errors to their message so logs stay readable.
func driveErr(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("drive api status %d: %s", apiErr.Code, apiErr.Message)
	}
	return err
}

func (d *DriveDelivery) parseConfig(export model.Export) (*driveConfig, error) {
	var cfg driveConfig
	if len(export.Configuration) > 0 {
		if err := json.Unmarshal(export.Configuration, &cfg); err != nil {
			return nil, fmt.Errorf("parse drive configuration: %w", err)
		}
	}
	cfg.sanitize()
	if err := pathtemplate.Validate(cfg.PathTemplate); err != nil {
		return nil, fmt.Errorf("path template: %w", err)
	}
	return &cfg, nil
}
