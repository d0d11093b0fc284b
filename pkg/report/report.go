// Package report accumulates the outcome of every replicated resource and
// writes the final replication report.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultFileName is where a run's report lands, relative to the invocation.
const DefaultFileName = "replication-report.json"

// Status is the final state of one resource.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
)

// Success records a resource that replicated completely.
type Success struct {
	Kind   string `json:"kind"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// Failure records a resource that did not replicate completely.
type Failure struct {
	Kind      string `json:"kind"`
	Resource  string `json:"resource"`
	Cause     string `json:"cause"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// ItemFailure records one object, user, group or link that failed inside
// an otherwise processed resource.
type ItemFailure struct {
	Kind     string `json:"kind"`
	Resource string `json:"resource"`
	Item     string `json:"item"`
	Cause    string `json:"cause"`
}

// Summary provides statistics about a run
type Summary struct {
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	ItemFailures int `json:"item_failures"`
	Total        int `json:"total"`
}

// Document is the serialized form of a report.
type Document struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	DryRun     bool          `json:"dry_run,omitempty"`
	Declined   bool          `json:"declined,omitempty"`
	Summary    Summary       `json:"summary"`
	Successes  []Success     `json:"successes"`
	Errors     []Failure     `json:"errors"`
	ItemErrors []ItemFailure `json:"item_errors"`
}

// ExitCode returns an appropriate exit code for CI/CD:
//   - 0: every resource replicated
//   - 2: at least one resource failed
func (d *Document) ExitCode() int {
	if len(d.Errors) > 0 {
		return 2
	}
	return 0
}

// Report is an append-only, concurrency-safe outcome accumulator.
type Report struct {
	mu        sync.Mutex
	doc       Document
	finalized bool
}

// New starts an empty report for runID.
func New(runID string) *Report {
	return &Report{doc: Document{
		RunID:      runID,
		StartedAt:  time.Now().UTC(),
		Successes:  []Success{},
		Errors:     []Failure{},
		ItemErrors: []ItemFailure{},
	}}
}

// RecordSuccess appends a successful outcome.
func (r *Report) RecordSuccess(kind, source, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.Successes = append(r.doc.Successes, Success{Kind: kind, Source: source, Target: target})
}

// RecordFailure appends a failed outcome.
func (r *Report) RecordFailure(kind, resource, errorKind string, cause error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.Errors = append(r.doc.Errors, Failure{Kind: kind, Resource: resource, Cause: msg, ErrorKind: errorKind})
}

// RecordItemFailure appends an item-level failure.
func (r *Report) RecordItemFailure(kind, resource, item string, cause error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.ItemErrors = append(r.doc.ItemErrors, ItemFailure{Kind: kind, Resource: resource, Item: item, Cause: msg})
}

// SetDryRun marks the run as a dry run.
func (r *Report) SetDryRun(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.DryRun = v
}

// SetDeclined marks the run as stopped at a confirmation prompt.
func (r *Report) SetDeclined() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.Declined = true
}

// Snapshot returns a copy of the current state.
func (r *Report) Snapshot() Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Report) snapshotLocked() Document {
	d := r.doc
	d.Successes = append([]Success{}, r.doc.Successes...)
	d.Errors = append([]Failure{}, r.doc.Errors...)
	d.ItemErrors = append([]ItemFailure{}, r.doc.ItemErrors...)
	d.Summary = Summary{
		Succeeded:    len(d.Successes),
		Failed:       len(d.Errors),
		ItemFailures: len(d.ItemErrors),
		Total:        len(d.Successes) + len(d.Errors),
	}
	return d
}

// Finalized reports whether Finalize has run.
func (r *Report) Finalized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalized
}

// Sink receives the serialized report.
type Sink interface {
	Name() string
	Write(ctx context.Context, runID string, data []byte) error
}

// Finalize stamps the finish time and writes the report to every sink.
// Only the first call has any effect. Outcomes recorded afterwards are
// kept in memory but never written.
func (r *Report) Finalize(ctx context.Context, sinks ...Sink) error {
	r.mu.Lock()
	if r.finalized {
		r.mu.Unlock()
		return nil
	}
	r.finalized = true
	now := time.Now().UTC()
	r.doc.FinishedAt = &now
	doc := r.snapshotLocked()
	r.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	l := log.WithFields(log.Fields{
		"action":    "Report.Finalize",
		"runID":     doc.RunID,
		"succeeded": doc.Summary.Succeeded,
		"failed":    doc.Summary.Failed,
	})

	var errs []error
	for _, s := range sinks {
		if err := s.Write(ctx, doc.RunID, data); err != nil {
			l.WithError(err).WithField("sink", s.Name()).Error("Failed to write report")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		l.WithField("sink", s.Name()).Info("Report written")
	}
	return errors.Join(errs...)
}
