package drive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/dvloznov/ledgerdrive/internal/domain"
)

// FolderMIMEType is the Drive MIME type marking folders.
const FolderMIMEType = "application/vnd.google-apps.folder"

// ErrUpload wraps attachment upload failures. The provider's message is
// attached by the wrapping error.
var ErrUpload = errors.New("drive: upload failed")

// Client performs remote file operations against the Drive API using a
// caller-supplied delegated access token. It holds no per-user state; the
// token lifecycle manager decides whose token each call carries.
type Client struct {
	endpoint string
	log      zerolog.Logger
}

// NewClient creates a Drive client. endpoint overrides the API base URL;
// empty means the public endpoint.
func NewClient(endpoint string, log zerolog.Logger) *Client {
	return &Client{endpoint: endpoint, log: log}
}

// service builds a Drive service bound to the given bearer token.
func (c *Client) service(ctx context.Context, token string) (*drive.Service, error) {
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))

	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}

	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("drive: creating service: %w", err)
	}
	return svc, nil
}

// EnsureFolder finds a non-trashed folder with the given name, creating one
// when absent, and returns its id. The search is repeated on every operation;
// nothing is cached. When the search returns more than one match the first
// wins. Concurrent first-ever calls can each create a folder; that known gap
// is left to the storage provider's eventual listing order.
func (c *Client) EnsureFolder(ctx context.Context, token, name string) (string, error) {
	svc, err := c.service(ctx, token)
	if err != nil {
		return "", err
	}

	q := fmt.Sprintf("mimeType='%s' and name='%s' and trashed=false", FolderMIMEType, escapeQuery(name))
	list, err := svc.Files.List().Q(q).Spaces("drive").Fields("files(id, name)").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("EnsureFolder: searching for %q: %w", name, err)
	}

	if len(list.Files) > 0 {
		return list.Files[0].Id, nil
	}

	folder, err := svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: FolderMIMEType,
	}).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("EnsureFolder: creating %q: %w", name, err)
	}

	c.log.Info().Str("folder_id", folder.Id).Str("name", name).Msg("Created attachment folder")
	return folder.Id, nil
}

// FindFile searches folderID for a non-trashed file with the given name and
// returns its id, or "" when absent. It never creates.
func (c *Client) FindFile(ctx context.Context, token, folderID, name string) (string, error) {
	svc, err := c.service(ctx, token)
	if err != nil {
		return "", err
	}

	q := fmt.Sprintf("name='%s' and '%s' in parents and trashed=false", escapeQuery(name), folderID)
	list, err := svc.Files.List().Q(q).Fields("files(id)").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("FindFile: searching for %q: %w", name, err)
	}

	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].Id, nil
}

// Upload stores an attachment in folderID and returns a shareable view link.
// Three remote steps: multipart create, public-read permission grant, link
// fetch. A failure after the create leaves an orphaned object with no link
// ever surfaced; the orphan is logged, not rolled back.
func (c *Client) Upload(ctx context.Context, token, folderID string, att domain.Attachment) (string, error) {
	svc, err := c.service(ctx, token)
	if err != nil {
		return "", err
	}

	file, err := svc.Files.Create(&drive.File{
		Name:    att.FileName,
		Parents: []string{folderID},
	}).Media(bytes.NewReader(att.Bytes), googleapi.ContentType(att.MimeType)).
		Fields("id").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUpload, providerMessage(err))
	}

	// Anyone with the link may read. Deliberate simplicity/security
	// trade-off so ledger rows can carry a plain URL.
	_, err = svc.Permissions.Create(file.Id, &drive.Permission{
		Role: "reader",
		Type: "anyone",
	}).Context(ctx).Do()
	if err != nil {
		c.log.Error().Str("file_id", file.Id).Err(err).
			Msg("Permission grant failed after upload; object orphaned without a link")
		return "", fmt.Errorf("%w: granting read access: %s", ErrUpload, providerMessage(err))
	}

	got, err := svc.Files.Get(file.Id).Fields("webViewLink").Context(ctx).Do()
	if err != nil {
		c.log.Error().Str("file_id", file.Id).Err(err).
			Msg("Link fetch failed after upload; object orphaned without a link")
		return "", fmt.Errorf("%w: fetching view link: %s", ErrUpload, providerMessage(err))
	}

	return got.WebViewLink, nil
}

// CreateFile creates a named file with the given content inside folderID and
// returns its id.
func (c *Client) CreateFile(ctx context.Context, token, folderID, name, mimeType, content string) (string, error) {
	svc, err := c.service(ctx, token)
	if err != nil {
		return "", err
	}

	file, err := svc.Files.Create(&drive.File{
		Name:     name,
		Parents:  []string{folderID},
		MimeType: mimeType,
	}).Media(strings.NewReader(content), googleapi.ContentType(mimeType)).
		Fields("id").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("CreateFile: creating %q: %w", name, err)
	}

	return file.Id, nil
}

// Download fetches a file's full media content.
func (c *Client) Download(ctx context.Context, token, fileID string) ([]byte, error) {
	svc, err := c.service(ctx, token)
	if err != nil {
		return nil, err
	}

	resp, err := svc.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("Download: fetching %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("Download: reading %s: %w", fileID, err)
	}
	return data, nil
}

// ReplaceContent overwrites a file's full media content. Drive exposes no
// range write, so callers replace whole files.
func (c *Client) ReplaceContent(ctx context.Context, token, fileID, mimeType, content string) error {
	svc, err := c.service(ctx, token)
	if err != nil {
		return err
	}

	_, err = svc.Files.Update(fileID, &drive.File{}).
		Media(strings.NewReader(content), googleapi.ContentType(mimeType)).
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("ReplaceContent: updating %s: %w", fileID, err)
	}
	return nil
}

// escapeQuery escapes single quotes for embedding in a Drive query string.
func escapeQuery(s string) string {
	return strings.ReplaceAll(s, `'`, `\'`)
}

// providerMessage extracts the provider's error message when available.
func providerMessage(err error) string {
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		if ge.Message != "" {
			return ge.Message
		}
		return fmt.Sprintf("HTTP %d: %s", ge.Code, http.StatusText(ge.Code))
	}
	return err.Error()
}
