package domain

import (
	"fmt"
	"time"
)

// Record is one saved transaction as the ledger consumes it. Only the
// columns read by the sync path are modeled here; the rest of the
// relational schema belongs to the CRUD surface.
type Record struct {
	ID               string `json:"id"`
	Document         string `json:"document"`
	Type             string `json:"type"`
	Date             string `json:"date"`
	Amount           string `json:"amount"`
	Customer         string `json:"customer"`
	ItemsDescription string `json:"itemsDescription"`
	AttachmentLink   string `json:"attachmentLink"`
}

// ExtractionResult holds the structured fields produced by the model.
// Absent values are empty strings, never missing keys.
type ExtractionResult struct {
	Customer         string `json:"customer"`
	Date             string `json:"date"`
	Amount           string `json:"amount"`
	Document         string `json:"document"`
	Type             string `json:"type"`
	ItemsDescription string `json:"items_description"`
}

// Attachment is a decoded binary payload on its way to permanent storage.
// After upload it exists only as a remote object plus the returned link.
type Attachment struct {
	FileName string
	MimeType string
	Bytes    []byte
}

// FallbackDocumentID synthesizes a document identifier for records whose
// extraction produced no document number, e.g. "AUTO-20240101-130503".
func FallbackDocumentID(now time.Time) string {
	return fmt.Sprintf("AUTO-%s", now.Format("20060102-150405"))
}
