package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/ledgerdrive/internal/api/middleware"
	"github.com/dvloznov/ledgerdrive/internal/auth"
	"github.com/dvloznov/ledgerdrive/internal/domain"
	"github.com/dvloznov/ledgerdrive/internal/drive"
	"github.com/dvloznov/ledgerdrive/internal/extract"
	"github.com/dvloznov/ledgerdrive/internal/ledger"
	"github.com/dvloznov/ledgerdrive/internal/store"
	"github.com/dvloznov/ledgerdrive/internal/transient"
)

// batchUploadLimit bounds the attachment upload fan-out.
const batchUploadLimit = 4

// ExtractionHandler handles the model extraction endpoint.
type ExtractionHandler struct {
	orchestrator *extract.Orchestrator
	log          zerolog.Logger
}

// NewExtractionHandler creates an extraction handler.
func NewExtractionHandler(o *extract.Orchestrator, log zerolog.Logger) *ExtractionHandler {
	return &ExtractionHandler{orchestrator: o, log: log}
}

// Extract handles POST /api/extract
func (h *ExtractionHandler) Extract(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text       string `json:"text"`
		ObjectPath string `json:"objectPath"`
		SignedURL  string `json:"signedUrl"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.orchestrator.Extract(r.Context(), extract.Request{
		Text:       req.Text,
		ObjectPath: req.ObjectPath,
		SignedURL:  req.SignedURL,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Extraction failed")
		middleware.WriteError(w, extractionStatus(err), err.Error())
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"extractedData": result,
	})
}

func extractionStatus(err error) int {
	switch {
	case errors.Is(err, extract.ErrNoContent):
		return http.StatusBadRequest
	case errors.Is(err, extract.ErrSafetyBlocked):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

// StagingHandler stages extraction source files in the transient bucket. The
// returned signed URL expires quickly; callers must run extraction promptly
// and re-stage rather than retry with a stale URL.
type StagingHandler struct {
	transient *transient.Store
	log       zerolog.Logger
}

// NewStagingHandler creates a staging handler.
func NewStagingHandler(ts *transient.Store, log zerolog.Logger) *StagingHandler {
	return &StagingHandler{transient: ts, log: log}
}

// Stage handles POST /api/extract/stage
func (h *StagingHandler) Stage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.FileName == "" || req.FileDataBase64 == "" {
		middleware.WriteError(w, http.StatusBadRequest, "fileName and fileDataBase64 are required")
		return
	}

	att, err := req.attachment()
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "fileDataBase64 is not valid base64")
		return
	}

	objectPath := fmt.Sprintf("staged/%s-%s", uuid.New().String(), att.FileName)

	if err := h.transient.Upload(ctx, objectPath, att.MimeType, att.Bytes); err != nil {
		h.log.Error().Err(err).Str("object_path", objectPath).Msg("Staging upload failed")
		middleware.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}

	signedURL, err := h.transient.SignedURL(ctx, objectPath)
	if err != nil {
		h.log.Error().Err(err).Str("object_path", objectPath).Msg("Signing staged object failed")
		middleware.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"objectPath":       objectPath,
		"signedUrl":        signedURL,
		"expiresInSeconds": int(transient.SignedURLTTL.Seconds()),
	})
}

// AttachmentsHandler handles attachment upload endpoints.
type AttachmentsHandler struct {
	credentials *auth.Manager
	drive       *drive.Client
	folderName  string
	log         zerolog.Logger
}

// NewAttachmentsHandler creates an attachments handler.
func NewAttachmentsHandler(credentials *auth.Manager, dc *drive.Client, folderName string, log zerolog.Logger) *AttachmentsHandler {
	return &AttachmentsHandler{
		credentials: credentials,
		drive:       dc,
		folderName:  folderName,
		log:         log,
	}
}

type uploadRequest struct {
	FileName       string `json:"fileName"`
	FileType       string `json:"fileType"`
	FileDataBase64 string `json:"fileDataBase64"`
}

func (req *uploadRequest) attachment() (domain.Attachment, error) {
	data, err := base64.StdEncoding.DecodeString(req.FileDataBase64)
	if err != nil {
		return domain.Attachment{}, err
	}
	return domain.Attachment{
		FileName: req.FileName,
		MimeType: req.FileType,
		Bytes:    data,
	}, nil
}

// Upload handles POST /api/attachments
func (h *AttachmentsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := middleware.PrincipalFrom(ctx)

	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.FileName == "" || req.FileDataBase64 == "" {
		middleware.WriteError(w, http.StatusBadRequest, "fileName and fileDataBase64 are required")
		return
	}

	att, err := req.attachment()
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "fileDataBase64 is not valid base64")
		return
	}

	cred, err := h.credentials.Resolve(ctx, principal.ID)
	if err != nil {
		h.log.Error().Err(err).Str("principal_id", principal.ID).Msg("Credential resolution failed")
		middleware.WriteError(w, credentialStatus(err), err.Error())
		return
	}

	folderID, err := h.drive.EnsureFolder(ctx, cred.AccessToken, h.folderName)
	if err != nil {
		h.log.Error().Err(err).Msg("Folder resolution failed")
		middleware.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}

	link, err := h.drive.Upload(ctx, cred.AccessToken, folderID, att)
	if err != nil {
		h.log.Error().Err(err).Str("file_name", att.FileName).Msg("Attachment upload failed")
		middleware.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"shareableLink": link,
	})
}

// batchItemResult is the per-item outcome of a batch upload. Failures abort
// only their own item; the batch always reports every item.
type batchItemResult struct {
	FileName      string `json:"fileName"`
	ShareableLink string `json:"shareableLink,omitempty"`
	Error         string `json:"error,omitempty"`
}

// UploadBatch handles POST /api/attachments/batch. Items target independent
// remote objects, so uploads fan out concurrently with a bound.
func (h *AttachmentsHandler) UploadBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := middleware.PrincipalFrom(ctx)

	var req struct {
		Files []uploadRequest `json:"files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Files) == 0 {
		middleware.WriteError(w, http.StatusBadRequest, "files is required")
		return
	}

	// Credential and folder are shared across the batch; resolve once.
	cred, err := h.credentials.Resolve(ctx, principal.ID)
	if err != nil {
		h.log.Error().Err(err).Str("principal_id", principal.ID).Msg("Credential resolution failed")
		middleware.WriteError(w, credentialStatus(err), err.Error())
		return
	}

	folderID, err := h.drive.EnsureFolder(ctx, cred.AccessToken, h.folderName)
	if err != nil {
		h.log.Error().Err(err).Msg("Folder resolution failed")
		middleware.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}

	results := make([]batchItemResult, len(req.Files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchUploadLimit)

	for i, file := range req.Files {
		g.Go(func() error {
			results[i].FileName = file.FileName

			att, err := file.attachment()
			if err != nil {
				results[i].Error = "fileDataBase64 is not valid base64"
				return nil
			}

			link, err := h.drive.Upload(gctx, cred.AccessToken, folderID, att)
			if err != nil {
				h.log.Error().Err(err).Str("file_name", file.FileName).Msg("Batch item upload failed")
				results[i].Error = err.Error()
				return nil
			}

			results[i].ShareableLink = link
			return nil
		})
	}

	// Item errors land in the report, never in the group.
	_ = g.Wait()

	failed := 0
	for _, res := range results {
		if res.Error != "" {
			failed++
		}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"failed":  failed,
	})
}

// LedgerHandler handles the ledger sync endpoint.
type LedgerHandler struct {
	credentials *auth.Manager
	drive       *drive.Client
	engine      *ledger.Engine
	store       *store.Store
	folderName  string
	log         zerolog.Logger
}

// NewLedgerHandler creates a ledger handler.
func NewLedgerHandler(credentials *auth.Manager, dc *drive.Client, engine *ledger.Engine, st *store.Store, folderName string, log zerolog.Logger) *LedgerHandler {
	return &LedgerHandler{
		credentials: credentials,
		drive:       dc,
		engine:      engine,
		store:       st,
		folderName:  folderName,
		log:         log,
	}
}

// Sync handles POST /api/ledger/sync
func (h *LedgerHandler) Sync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := middleware.PrincipalFrom(ctx)

	var req struct {
		Record *domain.Record `json:"record"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Record == nil {
		middleware.WriteError(w, http.StatusBadRequest, "record is required")
		return
	}

	record := *req.Record
	if record.ID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "record.id is required")
		return
	}
	if record.Document == "" {
		record.Document = domain.FallbackDocumentID(time.Now())
	}

	cred, err := h.credentials.Resolve(ctx, principal.ID)
	if err != nil {
		h.log.Error().Err(err).Str("principal_id", principal.ID).Msg("Credential resolution failed")
		middleware.WriteError(w, credentialStatus(err), err.Error())
		return
	}

	folderID, err := h.drive.EnsureFolder(ctx, cred.AccessToken, h.folderName)
	if err != nil {
		h.log.Error().Err(err).Msg("Folder resolution failed")
		middleware.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}

	// Keep a local copy of the row before touching the remote file.
	details, _ := json.Marshal(record)
	if err := h.store.SaveRecord(ctx, &store.Record{
		ID:               record.ID,
		OwnerID:          principal.ID,
		MessageType:      record.Type,
		ExtractedDetails: string(details),
		ItemsDescription: record.ItemsDescription,
		AttachmentURL:    record.AttachmentLink,
		Timestamp:        time.Now(),
	}); err != nil {
		h.log.Error().Err(err).Str("record_id", record.ID).Msg("Local record save failed")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to save record")
		return
	}

	if err := h.engine.Append(ctx, cred.AccessToken, folderID, record); err != nil {
		h.log.Error().Err(err).Str("record_id", record.ID).Msg("Ledger append failed")
		middleware.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "synced",
	})
}

// CredentialsHandler handles the OAuth authorization-code exchange endpoint.
type CredentialsHandler struct {
	credentials *auth.Manager
	log         zerolog.Logger
}

// NewCredentialsHandler creates a credentials handler.
func NewCredentialsHandler(credentials *auth.Manager, log zerolog.Logger) *CredentialsHandler {
	return &CredentialsHandler{credentials: credentials, log: log}
}

// Exchange handles POST /api/credentials/exchange
func (h *CredentialsHandler) Exchange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := middleware.PrincipalFrom(ctx)

	var req struct {
		AuthorizationCode string `json:"authorizationCode"`
		RedirectURI       string `json:"redirectUri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.AuthorizationCode == "" {
		middleware.WriteError(w, http.StatusBadRequest, "authorizationCode is required")
		return
	}
	if req.RedirectURI == "" {
		middleware.WriteError(w, http.StatusBadRequest, "redirectUri is required")
		return
	}

	if err := h.credentials.Exchange(ctx, principal.ID, req.AuthorizationCode, req.RedirectURI); err != nil {
		h.log.Error().Err(err).Str("principal_id", principal.ID).Msg("Code exchange failed")
		middleware.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "connected",
	})
}

// credentialStatus maps credential resolution failures to HTTP statuses. A
// missing delegation is a caller-fixable state, not a gateway fault.
func credentialStatus(err error) int {
	if errors.Is(err, auth.ErrDelegationMissing) {
		return http.StatusConflict
	}
	return http.StatusBadGateway
}
