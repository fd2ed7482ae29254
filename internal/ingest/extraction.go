package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

var eventDateLayouts = []string{
	dateLayout,
	time.RFC3339,
	"2006/01/02",
	"02/01/2006",
	"02-01-2006",
	"2 January 2006",
	"January 2, 2006",
	"Jan 2, 2006",
}

const extractionPrompt = `You are a medical document analyst. Read the attached medical document and respond with ONLY one JSON object, no markdown and no commentary, using exactly these keys:
{
  "title": "<short descriptive title>",
  "event_type": "<REPORT|PRESCRIPTION|LAB_RESULT|IMAGING|DISCHARGE_SUMMARY|OTHER>",
  "event_date": "<YYYY-MM-DD date printed on the document, or empty string>",
  "severity": "<HIGH|MEDIUM|LOW>",
  "summary_english": "<plain-language summary in English>",
  "summary_hindi": "<the same summary in Hindi>",
  "full_text": "<verbatim transcript of all text in the document>",
  "key_findings": ["<short finding>", "..."],
  "medicine_safety_check": {
    "is_safe": true,
    "warnings": ["<interaction, dosage or allergy warning>"],
    "notes": "<advice for the patient>"
  }
}
Include "medicine_safety_check" only when the document is a prescription.`

// extraction is a parsed model response. Raw keeps the JSON text exactly as
// returned so it can be persisted and echoed to the caller.
type extraction struct {
	Raw    json.RawMessage
	fields map[string]any
}

// parseExtraction strips markdown fences around the model output and decodes
// the single JSON object it must contain.
func parseExtraction(text string) (*extraction, error) {
	cleaned := stripCodeFence(text)
	if cleaned == "" {
		return nil, errors.New("empty model response")
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(cleaned), &fields); err != nil {
		return nil, fmt.Errorf("model response is not valid JSON: %w", err)
	}
	if fields == nil {
		return nil, errors.New("model response is not a JSON object")
	}
	return &extraction{Raw: json.RawMessage(cleaned), fields: fields}, nil
}

func stripCodeFence(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		// drop the language tag ("json") up to the newline or the opening brace
		if i := strings.IndexAny(s, "\n{["); i >= 0 {
			if s[i] == '\n' {
				s = s[i+1:]
			} else {
				s = s[i:]
			}
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// toClinicalEvent applies the default-filling policy: title, category,
// severity and date fall back when absent or blank; everything else passes
// through as the model returned it.
func (e *extraction) toClinicalEvent(sub Submission, now time.Time) *ClinicalEvent {
	ev := &ClinicalEvent{
		PatientID:      sub.PatientID,
		UploaderID:     sub.UploaderID,
		Title:          e.stringOr("title", defaultTitle),
		EventType:      strings.ToUpper(e.stringOr("event_type", defaultCategory)),
		EventDate:      e.eventDate(now),
		Severity:       normalizeSeverity(e.stringOr("severity", string(defaultSeverity))),
		SummaryEnglish: e.str("summary_english"),
		SummaryHindi:   e.str("summary_hindi"),
		FullText:       e.str("full_text"),
		KeyFindings:    e.stringList("key_findings"),
		AttachmentURLs: []string{},
		FileHash:       sub.FileHash,
		AIRaw:          e.Raw,
		MedicineSafety: e.rawField("medicine_safety_check"),
	}
	if sub.FileURL != "" {
		ev.AttachmentURLs = []string{sub.FileURL}
	}
	return ev
}

func (e *extraction) str(key string) string {
	v, ok := e.fields[key].(string)
	if !ok {
		return ""
	}
	return v
}

func (e *extraction) stringOr(key, fallback string) string {
	if v := strings.TrimSpace(e.str(key)); v != "" {
		return v
	}
	return fallback
}

func (e *extraction) stringList(key string) []string {
	items, _ := e.fields[key].([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (e *extraction) rawField(key string) json.RawMessage {
	v, ok := e.fields[key]
	if !ok || v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func (e *extraction) eventDate(now time.Time) time.Time {
	today := truncateToDate(now)
	raw := strings.TrimSpace(e.str("event_date"))
	if raw == "" {
		return today
	}
	for _, layout := range eventDateLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return truncateToDate(parsed)
		}
	}
	return today
}

func normalizeSeverity(value string) Severity {
	switch s := Severity(strings.ToUpper(strings.TrimSpace(value))); s {
	case SeverityHigh, SeverityMedium, SeverityLow:
		return s
	default:
		return defaultSeverity
	}
}

func truncateToDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
