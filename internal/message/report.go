package message

import (
	"encoding/json"
	"fmt"

	"eml-anonymizer/internal/metrics"
)

// Container statuses.
const (
	StatusOK          = metrics.StatusOK
	StatusFlagged     = metrics.StatusFlagged
	StatusFailed      = metrics.StatusFailed
	StatusUnsupported = metrics.StatusUnsupported
)

// Container kinds.
const (
	KindHeader = "header"
	KindText   = "text"
	KindHTML   = "html"
	KindPDF    = "pdf"
	KindDOCX   = "docx"
	KindBinary = "binary"
)

// ContainerReport is the outcome for one header field, body part or
// attachment. Container never holds an original attachment name.
type ContainerReport struct {
	Container string   `json:"container"`
	Kind      string   `json:"kind"`
	Status    string   `json:"status"`
	Warnings  []string `json:"warnings,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Report lists every container of one message in processing order.
type Report struct {
	Containers []ContainerReport `json:"containers"`
}

// Complete reports whether every container was fully anonymized.
func (r *Report) Complete() bool {
	for _, c := range r.Containers {
		if c.Status != StatusOK {
			return false
		}
	}
	return true
}

// Problems returns the containers that are not ok.
func (r *Report) Problems() []ContainerReport {
	var out []ContainerReport
	for _, c := range r.Containers {
		if c.Status != StatusOK {
			out = append(out, c)
		}
	}
	return out
}

// JSON renders the report on one line, suitable for an HTTP header.
func (r *Report) JSON() string {
	b, err := json.Marshal(r)
	if err != nil {
		return `{"containers":[]}`
	}
	return string(b)
}

func (c ContainerReport) summary() string {
	s := fmt.Sprintf("%s: %s", c.Container, c.Status)
	if c.Error != "" {
		s += ": " + c.Error
	}
	return s
}

// Attachment records what happened to one attachment.
type Attachment struct {
	OriginalName string `json:"originalName"`
	NewName      string `json:"newName"`
	ContentType  string `json:"contentType"`
	Original     []byte `json:"-"`
	Anonymized   []byte `json:"-"` // nil when the attachment was omitted
	Status       string `json:"status"`
}

// Result is the anonymized message with its report.
type Result struct {
	Message     []byte
	Report      Report
	Attachments []Attachment
}
