package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/jbcom/envclone/internal/metrics"
	"github.com/jbcom/envclone/pkg/report"
)

// ResourceKind is one family of replicable resources.
type ResourceKind interface {
	// Name is the kind name used in configuration and the report.
	Name() string
	// List returns one page of source resources.
	List(ctx context.Context, token *string) ([]Item, *string, error)
	// Existing returns the candidates whose target already exists. It must not mutate anything.
	Existing(ctx context.Context, candidates []Descriptor) ([]Descriptor, error)
	// Transfer replicates d into the target account. snap is nil for kinds
	// that do not implement Snapshotter. Per-item failures go to items.
	Transfer(ctx context.Context, d Descriptor, snap *SnapshotHandle, items ItemRecorder) error
}

// ExistingDescriber is implemented by kinds that do not simply replace an
// existing target, so the destructive prompt can say what will happen.
type ExistingDescriber interface {
	DescribeExisting(d Descriptor) string
}

// ItemRecorder collects failures of single objects, users, groups or links.
type ItemRecorder interface {
	ItemFailed(item string, err error)
}

// Options control a single Run
type Options struct {
	// DryRun stops after discovery and confirmation. Nothing is mutated.
	DryRun bool
	// Parallelism controls max concurrent resources per phase
	Parallelism int
	// Sinks replace the configured report destinations when set.
	Sinks []report.Sink
}

// DefaultOptions returns the options implied by the configuration.
func DefaultOptions(cfg *Config) Options {
	return Options{
		DryRun:      cfg.Pipeline.DryRun,
		Parallelism: cfg.Pipeline.Parallelism,
	}
}

// Plan is what discovery decided for a run.
type Plan struct {
	Candidates []Descriptor
	Existing   []Descriptor
}

// Pipeline replicates every configured resource kind from the source
// account to the target account.
type Pipeline struct {
	config *Config
	source *Account
	target *Account
	gate   Gate
	kinds  []ResourceKind

	snapshots *SnapshotManager

	mu     sync.Mutex
	plan   Plan
	report *report.Report
}

// New creates a pipeline. Kinds run in the order given.
func New(cfg *Config, source, target *Account, gate Gate, kinds ...ResourceKind) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if source == nil || target == nil {
		return nil, fmt.Errorf("source and target accounts are required")
	}
	if gate == nil {
		return nil, fmt.Errorf("a confirmation gate is required")
	}
	if len(kinds) == 0 {
		return nil, fmt.Errorf("no resource kinds enabled")
	}

	return &Pipeline{
		config:    cfg,
		source:    source,
		target:    target,
		gate:      gate,
		kinds:     kinds,
		snapshots: NewSnapshotManager(cfg.Pipeline),
	}, nil
}

// Config returns the pipeline configuration
func (p *Pipeline) Config() *Config {
	return p.config
}

// Plan returns what the last Run discovered.
func (p *Pipeline) Plan() Plan {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plan
}

// Report returns the report of the last Run.
func (p *Pipeline) Report() *report.Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.report
}

// Run executes one replication. The report is finalized exactly once
// before Run returns, whatever the outcome. ErrDeclined means the
// operator stopped the run at a prompt and nothing was mutated.
func (p *Pipeline) Run(ctx context.Context, opts Options) (doc report.Document, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if opts.Parallelism <= 0 {
		opts.Parallelism = p.config.Pipeline.Parallelism
	}
	opts.DryRun = opts.DryRun || p.config.Pipeline.DryRun

	runID := uuid.NewString()
	rep := report.New(runID)
	rep.SetDryRun(opts.DryRun)
	p.report = rep
	p.plan = Plan{}

	sinks := opts.Sinks
	if sinks == nil {
		sinks = p.defaultSinks()
	}

	l := log.WithFields(log.Fields{
		"action": "Pipeline.Run",
		"runID":  runID,
		"dryRun": opts.DryRun,
	})
	l.Info("Starting replication")

	defer func() {
		if ferr := rep.Finalize(context.WithoutCancel(ctx), sinks...); ferr != nil && err == nil {
			err = fmt.Errorf("failed to write report: %w", ferr)
		}
		if path := p.config.Report.MetricsPath; path != "" {
			if merr := metrics.WriteTextfile(path); merr != nil {
				l.WithError(merr).Warn("Failed to write metrics")
			}
		}
		doc = rep.Snapshot()
	}()

	err = p.run(ctx, rep, opts)
	switch {
	case errors.Is(err, ErrDeclined):
		rep.SetDeclined()
		l.Info("Replication declined")
	case err != nil:
		l.WithError(err).Error("Replication aborted")
	default:
		l.Info("Replication finished")
	}
	return doc, err
}

func (p *Pipeline) run(ctx context.Context, rep *report.Report, opts Options) error {
	if err := p.prime(ctx); err != nil {
		return err
	}

	start := time.Now()
	jobs, err := p.discover(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		log.WithField("action", "Pipeline.Run").Info("No resources match the source prefix")
		return nil
	}

	candidates := make([]Descriptor, len(jobs))
	for i, j := range jobs {
		candidates[i] = j.desc
	}
	p.plan.Candidates = candidates

	ok, err := p.gate.Confirm("The following resources will be replicated:", describe(candidates, func(d Descriptor) string {
		return fmt.Sprintf("%s: %s -> %s", d.Kind, d.SourceName, d.TargetName)
	}))
	if err != nil {
		return fmt.Errorf("failed to confirm replication: %w", err)
	}
	if !ok {
		return ErrDeclined
	}

	existing, err := p.existing(ctx, jobs)
	if err != nil {
		return err
	}
	p.plan.Existing = existing
	metrics.PhaseDuration.WithLabelValues("discovery").Observe(time.Since(start).Seconds())

	if len(existing) > 0 {
		ok, err := p.gate.Confirm("The following target resources already exist:", describe(existing, p.DescribeExisting))
		if err != nil {
			return fmt.Errorf("failed to confirm replacement: %w", err)
		}
		if !ok {
			return ErrDeclined
		}
	}

	if opts.DryRun {
		log.WithFields(log.Fields{
			"action":     "Pipeline.Run",
			"candidates": len(candidates),
			"existing":   len(existing),
		}).Info("Dry run, no changes applied")
		return nil
	}

	// A fatal failure in any worker stops the remaining work; every resource
	// still gets an outcome.
	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	jobs = p.snapshotPhase(runCtx, abort, jobs, opts.Parallelism)
	p.transferPhase(runCtx, abort, rep, jobs, opts.Parallelism)

	if ctx.Err() == nil {
		if cause := context.Cause(runCtx); cause != nil {
			return cause
		}
	}
	return nil
}

// DescribeExisting renders an existing target for the destructive prompt.
func (p *Pipeline) DescribeExisting(d Descriptor) string {
	for _, k := range p.kinds {
		if ed, ok := k.(ExistingDescriber); ok && k.Name() == d.Kind {
			return fmt.Sprintf("%s: %s", d.Kind, ed.DescribeExisting(d))
		}
	}
	return fmt.Sprintf("%s: %s (will be replaced)", d.Kind, d.TargetName)
}

// abortOnFatal cancels the run when err carries a fatal kind.
func abortOnFatal(abort context.CancelCauseFunc, err error) {
	if IsFatal(err) {
		abort(err)
	}
}

// prime obtains credentials for both accounts so authorization problems
// surface before anything else happens.
func (p *Pipeline) prime(ctx context.Context) error {
	for _, a := range []*Account{p.source, p.target} {
		if _, _, err := a.Session("").Config(ctx); err != nil {
			return err
		}
	}
	return nil
}

// job is one resource moving through the phases.
type job struct {
	kind ResourceKind
	desc Descriptor
	snap *SnapshotHandle
	err  error
}

func (p *Pipeline) discover(ctx context.Context) ([]*job, error) {
	filter := p.config.Filter()
	var jobs []*job
	for _, k := range p.kinds {
		descs, err := Discover(ctx, k.Name(), k.List, filter)
		if err != nil {
			return nil, err
		}
		for _, d := range descs {
			jobs = append(jobs, &job{kind: k, desc: d})
		}
	}
	return jobs, nil
}

func (p *Pipeline) existing(ctx context.Context, jobs []*job) ([]Descriptor, error) {
	var out []Descriptor
	for _, k := range p.kinds {
		var descs []Descriptor
		for _, j := range jobs {
			if j.kind == k {
				descs = append(descs, j.desc)
			}
		}
		if len(descs) == 0 {
			continue
		}
		found, err := k.Existing(ctx, descs)
		if err != nil {
			return nil, NewError(ErrorKindDiscovery, k.Name(), "check existing targets", err)
		}
		out = append(out, found...)
	}
	return out, nil
}

// snapshotPhase snapshots every resource whose kind supports it and waits
// for all of them before returning.
func (p *Pipeline) snapshotPhase(ctx context.Context, abort context.CancelCauseFunc, jobs []*job, parallelism int) []*job {
	var pending []*job
	for _, j := range jobs {
		if _, ok := j.kind.(Snapshotter); ok {
			pending = append(pending, j)
		}
	}
	if len(pending) == 0 {
		return jobs
	}

	start := time.Now()
	log.WithFields(log.Fields{
		"action":    "Pipeline.snapshotPhase",
		"snapshots": len(pending),
	}).Info("Creating snapshots")

	executeParallel(ctx, pending, parallelism, func(j *job) *job {
		metrics.ActiveTransfers.Inc()
		defer metrics.ActiveTransfers.Dec()

		s := j.kind.(Snapshotter)
		h, err := p.snapshots.Create(ctx, s, j.desc)
		if err != nil {
			j.err = err
			abortOnFatal(abort, err)
			return j
		}
		j.snap = h
		j.err = p.snapshots.AwaitReady(ctx, s, j.desc, h)
		abortOnFatal(abort, j.err)
		return j
	}, func(j *job, err error) *job {
		j.err = NewError(ErrorKindSnapshot, j.desc.String(), "create snapshot", err)
		return j
	})

	metrics.PhaseDuration.WithLabelValues("snapshot").Observe(time.Since(start).Seconds())
	return jobs
}

func (p *Pipeline) transferPhase(ctx context.Context, abort context.CancelCauseFunc, rep *report.Report, jobs []*job, parallelism int) {
	var ready []*job
	for _, j := range jobs {
		if j.err != nil {
			p.record(rep, j, 0)
			continue
		}
		ready = append(ready, j)
	}

	start := time.Now()
	log.WithFields(log.Fields{
		"action":    "Pipeline.transferPhase",
		"transfers": len(ready),
	}).Info("Transferring resources")

	executeParallel(ctx, ready, parallelism, func(j *job) *job {
		metrics.ActiveTransfers.Inc()
		defer metrics.ActiveTransfers.Dec()

		items := &itemRecorder{report: rep, kind: j.desc.Kind, resource: j.desc.SourceName}
		if err := j.kind.Transfer(ctx, j.desc, j.snap, items); err != nil {
			j.err = err
			abortOnFatal(abort, err)
		}
		p.record(rep, j, items.failed())
		return j
	}, func(j *job, err error) *job {
		j.err = NewError(ErrorKindTransfer, j.desc.String(), "transfer", err)
		p.record(rep, j, 0)
		return j
	})

	metrics.PhaseDuration.WithLabelValues("transfer").Observe(time.Since(start).Seconds())
}

// record writes exactly one outcome for the job.
func (p *Pipeline) record(rep *report.Report, j *job, itemFailures int) {
	d := j.desc
	l := log.WithFields(log.Fields{
		"action":   "Pipeline.record",
		"resource": d.String(),
		"target":   d.TargetName,
	})

	switch {
	case j.err != nil:
		kind := KindOf(j.err)
		l.WithError(j.err).WithField("errorKind", kind).Error("Replication failed")
		rep.RecordFailure(d.Kind, d.SourceName, string(kind), errors.New(causeMessage(j.err)))
		metrics.ObserveOutcome(d.Kind, false)
	case itemFailures > 0:
		l.WithField("itemFailures", itemFailures).Warn("Replicated with item failures")
		rep.RecordFailure(d.Kind, d.SourceName, string(ErrorKindTransfer), fmt.Errorf("%d item(s) failed", itemFailures))
		metrics.ObserveOutcome(d.Kind, false)
	default:
		l.Info("Replicated")
		rep.RecordSuccess(d.Kind, d.SourceName, d.TargetName)
		metrics.ObserveOutcome(d.Kind, true)
	}
}

// executeParallel runs fn for each item with limited concurrency. Items not
// started before ctx is cancelled, and items whose fn panics, are passed to
// failed instead.
func executeParallel[T, R any](ctx context.Context, items []T, maxParallel int, fn func(T) R, failed func(T, error) R) []R {
	if maxParallel <= 0 {
		maxParallel = 1
	}

	results := make([]R, len(items))
	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup

	for i, item := range items {
		if ctx.Err() != nil {
			results[i] = failed(item, context.Cause(ctx))
			continue
		}
		select {
		case <-ctx.Done():
			results[i] = failed(item, context.Cause(ctx))
			continue
		case sem <- struct{}{}:
		}
		// the slot may have been freed by a worker that cancelled ctx
		if ctx.Err() != nil {
			<-sem
			results[i] = failed(item, context.Cause(ctx))
			continue
		}

		wg.Add(1)
		go func(idx int, it T) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(log.Fields{
						"action": "executeParallel",
						"panic":  r,
						"stack":  string(debug.Stack()),
					}).Error("Worker panicked")
					results[idx] = failed(it, fmt.Errorf("panic: %v", r))
				}
			}()
			results[idx] = fn(it)
		}(i, item)
	}

	wg.Wait()
	return results
}

type itemRecorder struct {
	report   *report.Report
	kind     string
	resource string

	mu    sync.Mutex
	count int
}

func (r *itemRecorder) ItemFailed(item string, err error) {
	log.WithFields(log.Fields{
		"action":   "ItemFailed",
		"resource": r.kind + "/" + r.resource,
		"item":     item,
	}).WithError(err).Warn("Item failed")

	r.report.RecordItemFailure(r.kind, r.resource, item, err)
	metrics.ItemFailures.WithLabelValues(r.kind).Inc()

	r.mu.Lock()
	r.count++
	r.mu.Unlock()
}

func (r *itemRecorder) failed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (p *Pipeline) defaultSinks() []report.Sink {
	sinks := []report.Sink{report.FileSink{Path: p.config.Report.Path}}
	if s3cfg := p.config.Report.S3; s3cfg != nil {
		client := NewClient(p.target.Session(""), func(cfg aws.Config) *s3.Client {
			return s3.NewFromConfig(cfg)
		})
		sinks = append(sinks, report.NewS3Sink(sessionPutObject{client}, s3cfg.Bucket, s3cfg.Prefix, s3cfg.KMSKeyID))
	}
	return sinks
}

// sessionPutObject routes report uploads through the target session so
// they share its credential refresh and rate limit.
type sessionPutObject struct {
	client *Client[*s3.Client]
}

func (s sessionPutObject) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	var out *s3.PutObjectOutput
	err := Invoke(ctx, s.client, func(c *s3.Client) error {
		var err error
		out, err = c.PutObject(ctx, in, optFns...)
		return err
	})
	return out, err
}

func describe(descs []Descriptor, line func(Descriptor) string) []string {
	lines := make([]string, len(descs))
	for i, d := range descs {
		lines[i] = line(d)
	}
	return lines
}
