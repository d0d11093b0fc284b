package pipeline

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// SnapshotStatus is the lifecycle state of a point-in-time snapshot.
type SnapshotStatus string

const (
	SnapshotInProgress SnapshotStatus = "IN_PROGRESS"
	SnapshotReady      SnapshotStatus = "READY"
	SnapshotFailed     SnapshotStatus = "FAILED"
)

// Terminal reports whether no further transition can happen.
func (s SnapshotStatus) Terminal() bool {
	return s == SnapshotReady || s == SnapshotFailed
}

// SnapshotHandle refers to a snapshot of one source resource.
type SnapshotHandle struct {
	Resource  string
	Ref       string
	Status    SnapshotStatus
	CreatedAt time.Time
}

// advance moves the handle forward. Once terminal, the status never changes.
func (h *SnapshotHandle) advance(s SnapshotStatus) {
	if h.Status.Terminal() {
		return
	}
	h.Status = s
}

// Snapshotter is implemented by resource kinds that replicate through a
// snapshot. The returned ref is opaque to the engine.
type Snapshotter interface {
	CreateSnapshot(ctx context.Context, d Descriptor) (string, error)
	SnapshotStatus(ctx context.Context, d Descriptor, ref string) (SnapshotStatus, error)
}

// SnapshotManager creates snapshots and waits for them to settle.
type SnapshotManager struct {
	PollInterval time.Duration
	// Timeout bounds AwaitReady; zero waits indefinitely.
	Timeout time.Duration
}

// NewSnapshotManager uses the configured poll interval and ceiling.
func NewSnapshotManager(settings PipelineSettings) *SnapshotManager {
	return &SnapshotManager{
		PollInterval: settings.PollInterval,
		Timeout:      settings.SnapshotTimeout,
	}
}

// Create requests a snapshot of d. The handle starts IN_PROGRESS.
func (m *SnapshotManager) Create(ctx context.Context, s Snapshotter, d Descriptor) (*SnapshotHandle, error) {
	ref, err := s.CreateSnapshot(ctx, d)
	if err != nil {
		return nil, NewError(ErrorKindSnapshot, d.String(), "create snapshot", err)
	}

	log.WithFields(log.Fields{
		"action":   "SnapshotManager.Create",
		"resource": d.String(),
		"ref":      ref,
	}).Info("Snapshot requested")

	return &SnapshotHandle{
		Resource:  d.String(),
		Ref:       ref,
		Status:    SnapshotInProgress,
		CreatedAt: time.Now(),
	}, nil
}

// AwaitReady polls until the snapshot is READY or FAILED. It never returns
// successfully while the snapshot is still in progress.
func (m *SnapshotManager) AwaitReady(ctx context.Context, s Snapshotter, d Descriptor, h *SnapshotHandle) error {
	l := log.WithFields(log.Fields{
		"action":   "SnapshotManager.AwaitReady",
		"resource": h.Resource,
		"ref":      h.Ref,
	})

	err := Poll(ctx, m.PollInterval, m.Timeout, h.Resource, func(ctx context.Context) (bool, error) {
		status, err := s.SnapshotStatus(ctx, d, h.Ref)
		if err != nil {
			return false, NewError(ErrorKindSnapshot, h.Resource, "describe snapshot", err)
		}
		h.advance(status)
		l.WithField("status", h.Status).Debug("Snapshot status")
		return h.Status.Terminal(), nil
	})
	if err != nil {
		return err
	}

	if h.Status == SnapshotFailed {
		return NewError(ErrorKindSnapshot, h.Resource, "await snapshot", fmt.Errorf("snapshot %s failed", h.Ref))
	}
	l.WithField("elapsed", time.Since(h.CreatedAt).Round(time.Second)).Info("Snapshot ready")
	return nil
}
