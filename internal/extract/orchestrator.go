package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/ledgerdrive/internal/domain"
)

var (
	// ErrNoContent means the request populated neither or both input variants.
	ErrNoContent = errors.New("extract: no content provided")
	// ErrSafetyBlocked means the model reported a block reason and produced
	// no candidates.
	ErrSafetyBlocked = errors.New("extract: content blocked by safety filters")
	// ErrEmptyResponse means the model produced no candidates and reported
	// no block reason.
	ErrEmptyResponse = errors.New("extract: empty model response")
	// ErrInvalidOutput means the model's reply was not parseable JSON.
	ErrInvalidOutput = errors.New("extract: model output is not valid JSON")
)

// Request is the extraction input: free text, or a reference to a transient
// object readable through a short-lived signed URL. Exactly one variant must
// be populated.
type Request struct {
	Text       string
	ObjectPath string
	SignedURL  string
}

// cleaner deletes transient objects after processing.
type cleaner interface {
	Delete(ctx context.Context, objectPath string) error
}

// Orchestrator turns text or a referenced document into structured fields
// via one generative model call, with guaranteed transient-artifact cleanup.
type Orchestrator struct {
	model      Model
	cleaner    cleaner
	httpClient *http.Client
	log        zerolog.Logger
}

// NewOrchestrator wires the model and the transient-object cleaner.
func NewOrchestrator(model Model, cl cleaner, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		model:      model,
		cleaner:    cl,
		httpClient: &http.Client{Timeout: 90 * time.Second},
		log:        log,
	}
}

// Extract validates the request, runs the model call, and parses the reply.
// When the request references a transient object, that object is deleted
// exactly once after processing, whether extraction succeeded or not;
// deletion failures are logged and never override the primary outcome.
func (o *Orchestrator) Extract(ctx context.Context, req Request) (domain.ExtractionResult, error) {
	var result domain.ExtractionResult

	hasText := req.Text != ""
	hasFile := req.ObjectPath != "" && req.SignedURL != ""
	if hasText == hasFile {
		return result, ErrNoContent
	}

	content := Content{Text: req.Text}

	if hasFile {
		// Record the path before fetching: cleanup is owed from this
		// point on, even if the fetch itself fails.
		defer o.cleanup(ctx, req.ObjectPath)

		data, mimeType, err := o.fetchSource(ctx, req.SignedURL)
		if err != nil {
			return result, err
		}
		content = Content{Data: data, MIMEType: mimeType}
	}

	reply, err := o.model.GenerateContent(ctx, extractionPrompt, content)
	if err != nil {
		return result, fmt.Errorf("Extract: %w", err)
	}

	if reply.Candidates == 0 {
		if reply.BlockReason != "" {
			return result, fmt.Errorf("%w: %s", ErrSafetyBlocked, reply.BlockReason)
		}
		return result, ErrEmptyResponse
	}

	parsed, err := parseModelReply(reply.Text)
	if err != nil {
		// Raw text stays server-side for diagnostics; callers only see
		// the classification.
		o.log.Debug().Str("raw_output", reply.Text).Msg("Model output failed to parse")
		return result, err
	}

	return parsed, nil
}

// fetchSource downloads the document bytes through the signed URL. The URL
// expires quickly, so a retry must obtain a fresh one instead of reusing it.
func (o *Orchestrator) fetchSource(ctx context.Context, signedURL string) ([]byte, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, signedURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("fetchSource: building request: %w", err)
	}

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("fetchSource: fetching signed URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetchSource: signed URL returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("fetchSource: reading body: %w", err)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return data, mimeType, nil
}

// cleanup deletes the transient object once. Failures are logged only.
func (o *Orchestrator) cleanup(ctx context.Context, objectPath string) {
	if err := o.cleaner.Delete(ctx, objectPath); err != nil {
		o.log.Error().Err(err).Str("object_path", objectPath).Msg("Transient object cleanup failed")
		return
	}
	o.log.Debug().Str("object_path", objectPath).Msg("Transient object deleted")
}

// parseModelReply strips code fences and decodes the JSON object. Values may
// arrive as strings, numbers, or null; everything is normalized to strings
// with absent values becoming "".
func parseModelReply(raw string) (domain.ExtractionResult, error) {
	var result domain.ExtractionResult

	clean := cleanModelJSON(raw)

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(clean), &fields); err != nil {
		return result, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}

	result.Customer = stringField(fields, "customer")
	result.Date = stringField(fields, "date")
	result.Amount = stringField(fields, "amount")
	result.Document = stringField(fields, "document")
	result.Type = stringField(fields, "type")
	result.ItemsDescription = stringField(fields, "items_description")

	return result, nil
}

func stringField(fields map[string]interface{}, key string) string {
	switch v := fields[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
