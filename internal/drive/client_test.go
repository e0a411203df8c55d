package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/ledgerdrive/internal/domain"
	"github.com/dvloznov/ledgerdrive/internal/logger"
)

// fakeDriveServer is a minimal in-memory Drive v3 backend covering the
// endpoints this client uses: files list/create/get/update and permission
// grants, including the multipart media upload paths.
type fakeDriveServer struct {
	mu    sync.Mutex
	files map[string]*fakeFile
	perms map[string][]map[string]string
	next  int

	createCalls int
	failCreate  *int // HTTP status to fail creates with, nil means succeed
	failPerms   bool
}

type fakeFile struct {
	ID      string
	Name    string
	MIME    string
	Parents []string
	Content []byte
}

func newFakeDriveServer() *fakeDriveServer {
	return &fakeDriveServer{
		files: make(map[string]*fakeFile),
		perms: make(map[string][]map[string]string),
	}
}

var (
	nameRe   = regexp.MustCompile(`name='((?:[^'\\]|\\')*)'`)
	parentRe = regexp.MustCompile(`'([^']+)' in parents`)
)

func (s *fakeDriveServer) handler() http.Handler {
	mux := http.NewServeMux()

	// Multipart media upload: create.
	mux.HandleFunc("/upload/drive/v3/files", func(w http.ResponseWriter, r *http.Request) {
		s.createFromMultipart(w, r)
	})

	// Multipart media upload: update existing content.
	mux.HandleFunc("/upload/drive/v3/files/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/upload/drive/v3/files/")
		_, media, ok := s.readMultipart(w, r)
		if !ok {
			return
		}

		s.mu.Lock()
		f, exists := s.files[id]
		if exists {
			f.Content = media
		}
		s.mu.Unlock()

		if !exists {
			http.Error(w, `{"error":{"code":404,"message":"not found"}}`, http.StatusNotFound)
			return
		}
		writeJSONResponse(w, map[string]string{"id": id})
	})

	// Metadata create and search.
	mux.HandleFunc("/files", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.list(w, r)
		case http.MethodPost:
			s.createFromJSON(w, r)
		default:
			http.Error(w, "method", http.StatusMethodNotAllowed)
		}
	})

	// Get (metadata or media) and permission grants.
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/files/")

		if strings.HasSuffix(rest, "/permissions") {
			id := strings.TrimSuffix(rest, "/permissions")
			if s.failPerms {
				http.Error(w, `{"error":{"code":403,"message":"cannot share"}}`, http.StatusForbidden)
				return
			}
			var perm map[string]string
			_ = json.NewDecoder(r.Body).Decode(&perm)
			s.mu.Lock()
			s.perms[id] = append(s.perms[id], perm)
			s.mu.Unlock()
			writeJSONResponse(w, map[string]string{"id": "perm-1"})
			return
		}

		s.mu.Lock()
		f, ok := s.files[rest]
		s.mu.Unlock()
		if !ok {
			http.Error(w, `{"error":{"code":404,"message":"not found"}}`, http.StatusNotFound)
			return
		}

		if r.URL.Query().Get("alt") == "media" {
			w.Write(f.Content)
			return
		}
		writeJSONResponse(w, map[string]string{
			"id":          f.ID,
			"name":        f.Name,
			"webViewLink": "https://drive.example.com/view/" + f.ID,
		})
	})

	return mux
}

func (s *fakeDriveServer) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")

	var name, parent string
	if m := nameRe.FindStringSubmatch(q); m != nil {
		name = strings.ReplaceAll(m[1], `\'`, `'`)
	}
	if m := parentRe.FindStringSubmatch(q); m != nil {
		parent = m[1]
	}
	wantFolder := strings.Contains(q, FolderMIMEType)

	s.mu.Lock()
	defer s.mu.Unlock()

	matches := []map[string]string{}
	for _, f := range s.files {
		if name != "" && f.Name != name {
			continue
		}
		if wantFolder && f.MIME != FolderMIMEType {
			continue
		}
		if parent != "" && !contains(f.Parents, parent) {
			continue
		}
		matches = append(matches, map[string]string{"id": f.ID, "name": f.Name})
	}

	writeJSONResponse(w, map[string]interface{}{"files": matches})
}

func (s *fakeDriveServer) createFromJSON(w http.ResponseWriter, r *http.Request) {
	var meta struct {
		Name     string   `json:"name"`
		MimeType string   `json:"mimeType"`
		Parents  []string `json:"parents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		http.Error(w, `{"error":{"code":400,"message":"bad metadata"}}`, http.StatusBadRequest)
		return
	}
	s.create(w, meta.Name, meta.MimeType, meta.Parents, nil)
}

func (s *fakeDriveServer) createFromMultipart(w http.ResponseWriter, r *http.Request) {
	meta, media, ok := s.readMultipart(w, r)
	if !ok {
		return
	}
	s.create(w, meta.Name, meta.MimeType, meta.Parents, media)
}

type uploadMeta struct {
	Name     string   `json:"name"`
	MimeType string   `json:"mimeType"`
	Parents  []string `json:"parents"`
}

func (s *fakeDriveServer) readMultipart(w http.ResponseWriter, r *http.Request) (uploadMeta, []byte, bool) {
	var meta uploadMeta

	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || params["boundary"] == "" {
		http.Error(w, `{"error":{"code":400,"message":"bad content type"}}`, http.StatusBadRequest)
		return meta, nil, false
	}

	mr := multipart.NewReader(r.Body, params["boundary"])

	metaPart, err := mr.NextPart()
	if err != nil {
		http.Error(w, `{"error":{"code":400,"message":"missing metadata part"}}`, http.StatusBadRequest)
		return meta, nil, false
	}
	if err := json.NewDecoder(metaPart).Decode(&meta); err != nil {
		http.Error(w, `{"error":{"code":400,"message":"bad metadata"}}`, http.StatusBadRequest)
		return meta, nil, false
	}

	mediaPart, err := mr.NextPart()
	if err != nil {
		http.Error(w, `{"error":{"code":400,"message":"missing media part"}}`, http.StatusBadRequest)
		return meta, nil, false
	}
	media, err := io.ReadAll(mediaPart)
	if err != nil {
		http.Error(w, `{"error":{"code":400,"message":"bad media"}}`, http.StatusBadRequest)
		return meta, nil, false
	}

	return meta, media, true
}

func (s *fakeDriveServer) create(w http.ResponseWriter, name, mimeType string, parents []string, content []byte) {
	s.mu.Lock()
	s.createCalls++
	if s.failCreate != nil {
		status := *s.failCreate
		s.mu.Unlock()
		http.Error(w, fmt.Sprintf(`{"error":{"code":%d,"message":"quota exceeded"}}`, status), status)
		return
	}

	s.next++
	f := &fakeFile{
		ID:      fmt.Sprintf("f-%d", s.next),
		Name:    name,
		MIME:    mimeType,
		Parents: parents,
		Content: content,
	}
	s.files[f.ID] = f
	s.mu.Unlock()

	writeJSONResponse(w, map[string]string{"id": f.ID})
}

func writeJSONResponse(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func contains(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}

func newTestClient(t *testing.T) (*Client, *fakeDriveServer) {
	t.Helper()
	fake := newFakeDriveServer()
	ts := httptest.NewServer(fake.handler())
	t.Cleanup(ts.Close)
	return NewClient(ts.URL, logger.NewWithWriter(&strings.Builder{})), fake
}

func TestEnsureFolder_Idempotent(t *testing.T) {
	c, fake := newTestClient(t)
	ctx := context.Background()

	first, err := c.EnsureFolder(ctx, "tok", "Dyad App Transaction Attachments")
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := c.EnsureFolder(ctx, "tok", "Dyad App Transaction Attachments")
	require.NoError(t, err)

	assert.Equal(t, first, second, "second call returns the id created by the first")
	assert.Equal(t, 1, fake.createCalls, "exactly one create call")
}

func TestFindFile_AbsentReturnsEmpty(t *testing.T) {
	c, _ := newTestClient(t)

	id, err := c.FindFile(context.Background(), "tok", "folder-x", "transactions.csv")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestFindFile_ScopedToParent(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	folderID, err := c.EnsureFolder(ctx, "tok", "attachments")
	require.NoError(t, err)

	fileID, err := c.CreateFile(ctx, "tok", folderID, "transactions.csv", "text/csv", "id\n")
	require.NoError(t, err)

	found, err := c.FindFile(ctx, "tok", folderID, "transactions.csv")
	require.NoError(t, err)
	assert.Equal(t, fileID, found)

	elsewhere, err := c.FindFile(ctx, "tok", "other-folder", "transactions.csv")
	require.NoError(t, err)
	assert.Empty(t, elsewhere)
}

func TestUpload_ReturnsShareableLink(t *testing.T) {
	c, fake := newTestClient(t)
	ctx := context.Background()

	folderID, err := c.EnsureFolder(ctx, "tok", "attachments")
	require.NoError(t, err)

	link, err := c.Upload(ctx, "tok", folderID, domain.Attachment{
		FileName: "receipt.png",
		MimeType: "image/png",
		Bytes:    []byte{0x89, 0x50, 0x4e, 0x47},
	})
	require.NoError(t, err)
	assert.Contains(t, link, "https://drive.example.com/view/")

	// The uploaded object landed with its bytes and a public-read grant.
	fake.mu.Lock()
	defer fake.mu.Unlock()
	var uploaded *fakeFile
	for _, f := range fake.files {
		if f.Name == "receipt.png" {
			uploaded = f
		}
	}
	require.NotNil(t, uploaded)
	assert.Equal(t, []byte{0x89, 0x50, 0x4e, 0x47}, uploaded.Content)
	assert.Equal(t, []string{folderID}, uploaded.Parents)

	perms := fake.perms[uploaded.ID]
	require.Len(t, perms, 1)
	assert.Equal(t, "reader", perms[0]["role"])
	assert.Equal(t, "anyone", perms[0]["type"])
}

func TestUpload_ProviderFailureCarriesMessage(t *testing.T) {
	c, fake := newTestClient(t)
	status := http.StatusForbidden
	fake.failCreate = &status

	_, err := c.Upload(context.Background(), "tok", "folder-1", domain.Attachment{
		FileName: "receipt.png",
		MimeType: "image/png",
		Bytes:    []byte("x"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpload)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestUpload_PermissionFailureStillUploadFailed(t *testing.T) {
	c, fake := newTestClient(t)
	fake.failPerms = true
	ctx := context.Background()

	folderID, err := c.EnsureFolder(ctx, "tok", "attachments")
	require.NoError(t, err)

	_, err = c.Upload(ctx, "tok", folderID, domain.Attachment{
		FileName: "receipt.png",
		MimeType: "image/png",
		Bytes:    []byte("x"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpload)
	// The orphaned object is left behind on purpose.
	assert.Len(t, fake.files, 2, "folder plus the orphan")
}

func TestDownloadAndReplaceContent(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	folderID, err := c.EnsureFolder(ctx, "tok", "attachments")
	require.NoError(t, err)

	fileID, err := c.CreateFile(ctx, "tok", folderID, "transactions.csv", "text/csv", "header\nrow1")
	require.NoError(t, err)

	got, err := c.Download(ctx, "tok", fileID)
	require.NoError(t, err)
	assert.Equal(t, "header\nrow1", string(got))

	require.NoError(t, c.ReplaceContent(ctx, "tok", fileID, "text/csv", "header\nrow1\nrow2"))

	got, err = c.Download(ctx, "tok", fileID)
	require.NoError(t, err)
	assert.Equal(t, "header\nrow1\nrow2", string(got))
}
