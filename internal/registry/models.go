package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Decision is the registry's verdict on a submission.
type Decision string

const (
	DecisionAccepted   Decision = "ACCEPTED"
	DecisionProcessing Decision = "PROCESSING"
	DecisionCompleted  Decision = "COMPLETED"
	DecisionRejected   Decision = "REJECTED"
)

// ParseDecision accepts both our vocabulary and the registry's native one.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ACCEPTED", "DITERIMA":
		return DecisionAccepted, nil
	case "PROCESSING", "DIPROSES":
		return DecisionProcessing, nil
	case "COMPLETED", "SELESAI":
		return DecisionCompleted, nil
	case "REJECTED", "DITOLAK":
		return DecisionRejected, nil
	}
	return "", fmt.Errorf("unknown registry decision %q", s)
}

// Native returns the registry's own name for d.
func (d Decision) Native() string {
	switch d {
	case DecisionAccepted:
		return "DITERIMA"
	case DecisionProcessing:
		return "DIPROSES"
	case DecisionCompleted:
		return "SELESAI"
	case DecisionRejected:
		return "DITOLAK"
	}
	return string(d)
}

// Payload is the registry's submission schema.
type Payload struct {
	ApplicantName     string `json:"pemohonNama"`
	ApplicantNIK      string `json:"pemohonNIK"`
	ApplicantEmail    string `json:"pemohonEmail"`
	ApplicantPhone    string `json:"pemohonTelepon"`
	BusinessName      string `json:"usahaNama"`
	BusinessAddress   string `json:"usahaAlamat"`
	BusinessProvince  string `json:"usahaProvinsi"`
	BusinessCity      string `json:"usahaKabKota"`
	KBLICode          string `json:"kbliKode"`
	KBLIName          string `json:"kbliNama"`
	PermitType        string `json:"izinJenis"`
	PermitDescription string `json:"izinDeskripsi"`
	RiskLevel         string `json:"risikoLevel"`
}

// Ack is the registry's answer to a submit.
type Ack struct {
	TrackingID      string
	RegistryID      string
	Decision        Decision
	RejectionReason string
	Timestamp       time.Time
	Raw             json.RawMessage
}

// HistoryEntry is one step in the registry's status history.
type HistoryEntry struct {
	Decision  Decision  `json:"decision"`
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note,omitempty"`
}

// Status is the registry's view of a submission.
type Status struct {
	TrackingID      string
	RegistryID      string
	Decision        Decision
	RejectionReason string
	SubmittedAt     time.Time
	UpdatedAt       time.Time
	History         []HistoryEntry
	Raw             json.RawMessage
}

// Clone returns a deep copy.
func (s *Status) Clone() *Status {
	if s == nil {
		return nil
	}
	out := *s
	if s.History != nil {
		out.History = append([]HistoryEntry(nil), s.History...)
	}
	if s.Raw != nil {
		out.Raw = append(json.RawMessage(nil), s.Raw...)
	}
	return &out
}

// wireSubmission covers both the documented field names and the registry's
// native ones; the decoder picks whichever is present.
type wireSubmission struct {
	TrackingID string `json:"trackingId"`

	RegistryID *string `json:"registryId"`
	NIB        *string `json:"nib"`

	Decision        string `json:"decision"`
	StatusPengajuan string `json:"statusPengajuan"`

	RejectionReason *string `json:"rejectionReason"`
	AlasanPenolakan *string `json:"alasanPenolakan"`

	Timestamp        string `json:"timestamp"`
	TanggalPengajuan string `json:"tanggalPengajuan"`
	TanggalUpdate    string `json:"tanggalUpdate"`

	History       []wireHistory `json:"history"`
	RiwayatStatus []wireHistory `json:"riwayatStatus"`
}

type wireHistory struct {
	Decision   string `json:"decision"`
	Status     string `json:"status"`
	Timestamp  string `json:"timestamp"`
	Note       string `json:"note"`
	Keterangan string `json:"keterangan"`
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Errors  []string        `json:"errors"`
}

// unwrap returns the data member of a {status, data} envelope, or body when
// the response is flat.
func unwrap(body []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(env.Data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return trimmed, nil
	}
	return body, nil
}

func decodeSubmission(body []byte) (wireSubmission, error) {
	var w wireSubmission
	data, err := unwrap(body)
	if err != nil {
		return w, err
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return w, err
	}
	if w.TrackingID == "" {
		return w, fmt.Errorf("response has no trackingId")
	}
	return w, nil
}

func (w wireSubmission) decision() (Decision, error) {
	return ParseDecision(firstNonEmpty(w.Decision, w.StatusPengajuan))
}

func (w wireSubmission) registryID() string {
	return firstNonEmpty(deref(w.RegistryID), deref(w.NIB))
}

func (w wireSubmission) rejectionReason() string {
	return firstNonEmpty(deref(w.RejectionReason), deref(w.AlasanPenolakan))
}

func decodeAck(body []byte) (*Ack, error) {
	w, err := decodeSubmission(body)
	if err != nil {
		return nil, err
	}
	decision, err := w.decision()
	if err != nil {
		return nil, err
	}
	return &Ack{
		TrackingID:      w.TrackingID,
		RegistryID:      w.registryID(),
		Decision:        decision,
		RejectionReason: w.rejectionReason(),
		Timestamp:       parseTime(firstNonEmpty(w.Timestamp, w.TanggalPengajuan)),
		Raw:             append(json.RawMessage(nil), body...),
	}, nil
}

func decodeStatus(body []byte) (*Status, error) {
	w, err := decodeSubmission(body)
	if err != nil {
		return nil, err
	}
	decision, err := w.decision()
	if err != nil {
		return nil, err
	}

	raw := w.History
	if len(raw) == 0 {
		raw = w.RiwayatStatus
	}
	history := make([]HistoryEntry, 0, len(raw))
	for _, h := range raw {
		d, err := ParseDecision(firstNonEmpty(h.Decision, h.Status))
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		history = append(history, HistoryEntry{
			Decision:  d,
			Timestamp: parseTime(h.Timestamp),
			Note:      firstNonEmpty(h.Note, h.Keterangan),
		})
	}

	return &Status{
		TrackingID:      w.TrackingID,
		RegistryID:      w.registryID(),
		Decision:        decision,
		RejectionReason: w.rejectionReason(),
		SubmittedAt:     parseTime(firstNonEmpty(w.Timestamp, w.TanggalPengajuan)),
		UpdatedAt:       parseTime(w.TanggalUpdate),
		History:         history,
		Raw:             append(json.RawMessage(nil), body...),
	}, nil
}

// decodeValidation reads the registry's 400 body. Bodies that are not JSON
// are kept as the message.
func decodeValidation(status int, body []byte) *ValidationError {
	ve := &ValidationError{StatusCode: status, Message: "registry rejected the payload"}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if text := strings.TrimSpace(string(body)); text != "" {
			ve.Message = text
		}
		return ve
	}
	if env.Message != "" {
		ve.Message = env.Message
	}
	ve.Errors = env.Errors
	return ve
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
