// Package ingestion defines the work item, document kinds and per-file
// result types shared by the fetch, orchestrate and persist stages.
package ingestion

import (
	"fmt"
	"os"
	"time"
)

// Source identifies where a work item was fetched from.
type Source string

const (
	SourceLocal Source = "LOCAL"
	SourceSOAP  Source = "SOAP"
)

// RootKind classifies a document by its root element.
type RootKind string

const (
	RootUnknown    RootKind = "UNKNOWN"
	RootSubmission RootKind = "SUBMISSION"
	RootRemittance RootKind = "REMITTANCE"
)

// State is a step of the per-file state machine.
type State string

const (
	StateReceived          State = "RECEIVED"
	StateStubbed           State = "STUBBED"
	StateRootDetected      State = "ROOT_DETECTED"
	StateParsed            State = "PARSED"
	StateHeaderValidated   State = "HEADER_VALIDATED"
	StateBusinessValidated State = "BUSINESS_VALIDATED"
	StatePersisted         State = "PERSISTED"
	StateVerified          State = "VERIFIED"
	StateAcked             State = "ACKED"
	StateFailed            State = "FAILED"
)

// WorkItem describes one file to ingest. It is created by a fetcher and
// consumed once; either Content or Path is set.
type WorkItem struct {
	SourceID string
	FileID   string
	FileName string
	Source   Source
	Content  []byte
	Path     string
}

// Key is the identity of the item: (source, file id).
func (w WorkItem) Key() string {
	return string(w.Source) + "/" + w.FileID
}

// Bytes returns the item content, reading it from Path when it was staged
// on disk.
func (w WorkItem) Bytes() ([]byte, error) {
	if w.Content != nil {
		return w.Content, nil
	}
	if w.Path == "" {
		return nil, fmt.Errorf("work item %s has neither content nor path", w.FileID)
	}
	b, err := os.ReadFile(w.Path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", w.Path, err)
	}
	return b, nil
}

// PersistCounts are the rows written for one document.
type PersistCounts struct {
	Claims          int `json:"claims"`
	Activities      int `json:"activities"`
	Diagnoses       int `json:"diagnoses"`
	Encounters      int `json:"encounters"`
	Observations    int `json:"observations"`
	RemitClaims     int `json:"remit_claims"`
	RemitActivities int `json:"remit_activities"`
}

// Total returns the number of claim-level rows regardless of root kind.
func (c PersistCounts) Total() int {
	return c.Claims + c.RemitClaims
}

// ParsedCounts summarise the document as read, before persistence.
type ParsedCounts struct {
	Claims     int `json:"claims"`
	Activities int `json:"activities"`
}

// VerificationResult is the outcome of one verifier predicate.
type VerificationResult struct {
	Predicate string `json:"predicate"`
	Passed    bool   `json:"passed"`
	Reason    string `json:"reason,omitempty"`
}

// Result is what the pipeline reports for one work item.
type Result struct {
	FileID           string               `json:"file_id"`
	IngestionFileID  int64                `json:"ingestion_file_id"`
	Source           Source               `json:"source"`
	Root             RootKind             `json:"root"`
	State            State                `json:"state"`
	Stage            string               `json:"stage,omitempty"`
	Err              error                `json:"-"`
	AlreadyProcessed bool                 `json:"already_processed"`
	PriorClaims      int                  `json:"prior_claims,omitempty"`
	Parsed           ParsedCounts         `json:"parsed"`
	Persisted        PersistCounts        `json:"persisted"`
	TxAt             *time.Time           `json:"tx_at,omitempty"`
	Verification     []VerificationResult `json:"verification,omitempty"`
	StartedAt        time.Time            `json:"started_at"`
	Duration         time.Duration        `json:"duration"`
}

// OK reports whether the file ended in a non-failed state.
func (r Result) OK() bool {
	return r.State != StateFailed
}

// Outcome labels the result for metrics and audit: ok, already or failed.
func (r Result) Outcome() string {
	switch {
	case r.State == StateFailed:
		return "failed"
	case r.AlreadyProcessed:
		return "already"
	default:
		return "ok"
	}
}
