package ingest

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

const (
	CategoryReport       = "REPORT"
	CategoryPrescription = "PRESCRIPTION"
)

const (
	defaultTitle    = "Medical Document"
	defaultCategory = CategoryReport
	defaultSeverity = SeverityLow
)

// Submission is the body of POST /process-medical-report.
type Submission struct {
	ImageBase64 string `json:"imageBase64"`
	MimeType    string `json:"mimeType"`
	PatientID   string `json:"patient_id"`
	UploaderID  string `json:"uploader_id"`
	FileURL     string `json:"file_url"`
	FileHash    string `json:"file_hash"`
	FilePath    string `json:"file_path"`

	CorrelationID string `json:"-"`
}

// ClinicalEvent is one ingested document's extracted meaning. At most one
// exists per (PatientID, FileHash).
type ClinicalEvent struct {
	ID             uuid.UUID       `json:"id"`
	PatientID      string          `json:"patient_id"`
	UploaderID     string          `json:"uploader_id"`
	Title          string          `json:"title"`
	EventType      string          `json:"event_type"`
	EventDate      time.Time       `json:"event_date"`
	Severity       Severity        `json:"severity"`
	SummaryEnglish string          `json:"summary_english,omitempty"`
	SummaryHindi   string          `json:"summary_hindi,omitempty"`
	FullText       string          `json:"full_text,omitempty"`
	KeyFindings    []string        `json:"key_findings"`
	AttachmentURLs []string        `json:"attachment_urls"`
	FileHash       string          `json:"file_hash,omitempty"`
	AIRaw          json.RawMessage `json:"ai_raw"`
	MedicineSafety json.RawMessage `json:"medicine_safety,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type ClinicalEventIngestedV1 struct {
	EventVersion  string    `json:"event_version"`
	EventType     string    `json:"event_type"`
	EventID       string    `json:"event_id"`
	OccurredAt    time.Time `json:"occurred_at"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	RecordID      string    `json:"record_id"`
	PatientID     string    `json:"patient_id"`
	UploaderID    string    `json:"uploader_id"`
	Category      string    `json:"category"`
	Severity      Severity  `json:"severity"`
	EventDate     string    `json:"event_date"`
	FileHash      string    `json:"file_hash,omitempty"`
}

// NewIngestedEvent builds the outbox payload announcing a persisted record.
func NewIngestedEvent(ev *ClinicalEvent, correlationID string) ClinicalEventIngestedV1 {
	return ClinicalEventIngestedV1{
		EventVersion:  "1",
		EventType:     "clinical_event.ingested",
		EventID:       uuid.NewString(),
		OccurredAt:    time.Now().UTC(),
		CorrelationID: correlationID,
		RecordID:      ev.ID.String(),
		PatientID:     ev.PatientID,
		UploaderID:    ev.UploaderID,
		Category:      ev.EventType,
		Severity:      ev.Severity,
		EventDate:     ev.EventDate.Format(dateLayout),
		FileHash:      ev.FileHash,
	}
}
