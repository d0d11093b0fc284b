package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbcom/envclone/pkg/report"
)

// fakeKind is an in-memory resource kind that records every mutation.
type fakeKind struct {
	name     string
	items    []Item
	pageSize int
	listErr  error
	existing map[string]bool

	transferErr  map[string]error
	itemFailures map[string][]string
	delay        time.Duration

	mu          sync.Mutex
	events      []string
	transferred map[string]*SnapshotHandle
	mutations   int32
	inFlight    int32
	maxInFlight int32
}

func newFakeKind(name string, names ...string) *fakeKind {
	k := &fakeKind{
		name:         name,
		pageSize:     2,
		existing:     map[string]bool{},
		transferErr:  map[string]error{},
		itemFailures: map[string][]string{},
		transferred:  map[string]*SnapshotHandle{},
	}
	for _, n := range names {
		k.items = append(k.items, Item{ID: "id-" + n, Name: n})
	}
	return k
}

func (k *fakeKind) Name() string { return k.name }

func (k *fakeKind) List(_ context.Context, token *string) ([]Item, *string, error) {
	if k.listErr != nil {
		return nil, nil, k.listErr
	}
	start := 0
	if token != nil {
		start, _ = strconv.Atoi(*token)
	}
	end := start + k.pageSize
	if end >= len(k.items) {
		return k.items[start:], nil, nil
	}
	return k.items[start:end], aws.String(strconv.Itoa(end)), nil
}

func (k *fakeKind) Existing(_ context.Context, candidates []Descriptor) ([]Descriptor, error) {
	var out []Descriptor
	for _, d := range candidates {
		if k.existing[d.TargetName] {
			out = append(out, d)
		}
	}
	return out, nil
}

func (k *fakeKind) Transfer(ctx context.Context, d Descriptor, snap *SnapshotHandle, items ItemRecorder) error {
	n := atomic.AddInt32(&k.inFlight, 1)
	defer atomic.AddInt32(&k.inFlight, -1)
	for {
		m := atomic.LoadInt32(&k.maxInFlight)
		if n <= m || atomic.CompareAndSwapInt32(&k.maxInFlight, m, n) {
			break
		}
	}
	if k.delay > 0 {
		time.Sleep(k.delay)
	}

	atomic.AddInt32(&k.mutations, 1)
	k.mu.Lock()
	k.events = append(k.events, "transfer:"+d.SourceName)
	k.transferred[d.TargetName] = snap
	k.mu.Unlock()

	for _, item := range k.itemFailures[d.SourceName] {
		items.ItemFailed(item, errors.New("copy failed"))
	}
	return k.transferErr[d.SourceName]
}

// fakeSnapshotKind adds snapshot support to fakeKind.
type fakeSnapshotKind struct {
	*fakeKind
	failSnapshot map[string]bool
}

func (k *fakeSnapshotKind) CreateSnapshot(_ context.Context, d Descriptor) (string, error) {
	atomic.AddInt32(&k.mutations, 1)
	k.mu.Lock()
	k.events = append(k.events, "snapshot:"+d.SourceName)
	k.mu.Unlock()
	return "snap-" + d.SourceName, nil
}

func (k *fakeSnapshotKind) SnapshotStatus(_ context.Context, d Descriptor, _ string) (SnapshotStatus, error) {
	if k.failSnapshot[d.SourceName] {
		return SnapshotFailed, nil
	}
	return SnapshotReady, nil
}

// panickingKind panics while transferring the named resource.
type panickingKind struct {
	*fakeKind
	panicOn string
}

func (k *panickingKind) Transfer(ctx context.Context, d Descriptor, snap *SnapshotHandle, items ItemRecorder) error {
	if d.SourceName == k.panicOn {
		panic("nil map write")
	}
	return k.fakeKind.Transfer(ctx, d, snap, items)
}

// expiringKind transfers through a Client whose calls fail with an expired
// token the given number of times per resource.
type expiringKind struct {
	*fakeKind
	client  *Client[*fakeClient]
	expiry  map[string]int
	attempt map[string]int
}

func (k *expiringKind) Transfer(ctx context.Context, d Descriptor, _ *SnapshotHandle, _ ItemRecorder) error {
	return Invoke(ctx, k.client, func(*fakeClient) error {
		k.mu.Lock()
		defer k.mu.Unlock()
		k.attempt[d.SourceName]++
		if k.attempt[d.SourceName] <= k.expiry[d.SourceName] {
			return apiError("ExpiredTokenException")
		}
		k.transferred[d.TargetName] = nil
		return nil
	})
}

// describingKind words its own destructive prompt lines.
type describingKind struct {
	*fakeKind
}

func (k *describingKind) DescribeExisting(d Descriptor) string {
	return d.TargetName + " (a duplicate will be created)"
}

// scriptedGate answers prompts in order and records what it was shown.
type scriptedGate struct {
	answers []bool
	titles  []string
	lines   [][]string
}

func (g *scriptedGate) Confirm(title string, lines []string) (bool, error) {
	g.titles = append(g.titles, title)
	g.lines = append(g.lines, lines)
	if len(g.answers) == 0 {
		return true, nil
	}
	a := g.answers[0]
	g.answers = g.answers[1:]
	return a, nil
}

type captureSink struct {
	writes int
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Write(context.Context, string, []byte) error {
	c.writes++
	return nil
}

func testAccounts(t *testing.T, failTarget bool) (*Account, *Account) {
	t.Helper()
	broker := BrokerFunc(func(_ context.Context, roleARN, _ string) (CredentialSet, error) {
		if failTarget && roleARN == "arn:aws:iam::222222222222:role/Replicator" {
			return CredentialSet{}, errors.New("AccessDenied")
		}
		return CredentialSet{AccessKeyID: "AK"}, nil
	})
	cfg := validConfig()
	return NewAccount("source", cfg.Source, broker, aws.Config{}, 0),
		NewAccount("target", cfg.Target, broker, aws.Config{}, 0)
}

func newTestPipeline(t *testing.T, gate Gate, kinds ...ResourceKind) *Pipeline {
	t.Helper()
	cfg := validConfig()
	cfg.Pipeline.PollInterval = time.Millisecond
	source, target := testAccounts(t, false)
	p, err := New(&cfg, source, target, gate, kinds...)
	require.NoError(t, err)
	return p
}

func TestRunReplicatesWithPrefixRename(t *testing.T) {
	tables := &fakeSnapshotKind{fakeKind: newFakeKind(KindTables, "prod-orders", "prod-users", "dev-orders")}
	buckets := newFakeKind(KindBuckets, "prod-assets", "other")
	gate := &scriptedGate{}
	sink := &captureSink{}

	p := newTestPipeline(t, gate, tables, buckets)
	doc, err := p.Run(context.Background(), Options{Sinks: []report.Sink{sink}})
	require.NoError(t, err)

	assert.Equal(t, 1, sink.writes)
	assert.Equal(t, 3, doc.Summary.Succeeded)
	assert.Equal(t, 0, doc.ExitCode())

	targets := map[string]string{}
	for _, s := range doc.Successes {
		targets[s.Source] = s.Target
	}
	assert.Equal(t, map[string]string{
		"prod-orders": "stage-orders",
		"prod-users":  "stage-users",
		"prod-assets": "stage-assets",
	}, targets)

	require.Contains(t, tables.transferred, "stage-orders")
	assert.Equal(t, SnapshotReady, tables.transferred["stage-orders"].Status)
	assert.Equal(t, "snap-prod-orders", tables.transferred["stage-orders"].Ref)
	require.Contains(t, buckets.transferred, "stage-assets")
	assert.Nil(t, buckets.transferred["stage-assets"], "kinds without snapshots get no handle")

	require.Len(t, gate.titles, 1, "no destructive prompt without existing targets")
	assert.Len(t, gate.lines[0], 3)
	assert.Len(t, p.Plan().Candidates, 3)
}

func TestRunDeclinedAtDestructiveGate(t *testing.T) {
	tables := &fakeSnapshotKind{fakeKind: newFakeKind(KindTables, "prod-orders", "prod-users")}
	tables.existing["stage-orders"] = true
	gate := &scriptedGate{answers: []bool{true, false}}
	sink := &captureSink{}

	p := newTestPipeline(t, gate, tables)
	doc, err := p.Run(context.Background(), Options{Sinks: []report.Sink{sink}})

	require.ErrorIs(t, err, ErrDeclined)
	assert.Equal(t, int32(0), atomic.LoadInt32(&tables.mutations))
	require.Len(t, gate.lines, 2)
	assert.Equal(t, []string{"tables: stage-orders (will be replaced)"}, gate.lines[1])

	assert.True(t, doc.Declined)
	assert.Empty(t, doc.Successes)
	assert.Empty(t, doc.Errors)
	assert.Equal(t, 1, sink.writes)
	assert.True(t, p.Report().Finalized())
}

func TestRunDestructivePromptUsesKindWording(t *testing.T) {
	pools := &describingKind{fakeKind: newFakeKind(KindUserPools, "prod-users")}
	pools.existing["stage-users"] = true
	tables := newFakeKind(KindTables, "prod-orders")
	tables.existing["stage-orders"] = true
	gate := &scriptedGate{answers: []bool{true, false}}

	p := newTestPipeline(t, gate, pools, tables)
	_, err := p.Run(context.Background(), Options{Sinks: []report.Sink{&captureSink{}}})

	require.ErrorIs(t, err, ErrDeclined)
	require.Len(t, gate.lines, 2)
	assert.ElementsMatch(t, []string{
		"userpools: stage-users (a duplicate will be created)",
		"tables: stage-orders (will be replaced)",
	}, gate.lines[1])
}

func TestRunDeclinedAtFirstGate(t *testing.T) {
	tables := &fakeSnapshotKind{fakeKind: newFakeKind(KindTables, "prod-orders")}
	gate := &scriptedGate{answers: []bool{false}}

	p := newTestPipeline(t, gate, tables)
	doc, err := p.Run(context.Background(), Options{Sinks: []report.Sink{&captureSink{}}})

	require.ErrorIs(t, err, ErrDeclined)
	assert.Len(t, gate.titles, 1)
	assert.Equal(t, int32(0), atomic.LoadInt32(&tables.mutations))
	assert.Equal(t, 0, doc.Summary.Total)
}

func TestRunDryRun(t *testing.T) {
	tables := &fakeSnapshotKind{fakeKind: newFakeKind(KindTables, "prod-orders")}
	tables.existing["stage-orders"] = true
	gate := &scriptedGate{}

	p := newTestPipeline(t, gate, tables)
	doc, err := p.Run(context.Background(), Options{DryRun: true, Sinks: []report.Sink{&captureSink{}}})

	require.NoError(t, err)
	assert.True(t, doc.DryRun)
	assert.Equal(t, int32(0), atomic.LoadInt32(&tables.mutations))
	assert.Len(t, gate.titles, 2)
	assert.Len(t, p.Plan().Existing, 1)
}

func TestRunNoCandidates(t *testing.T) {
	buckets := newFakeKind(KindBuckets, "dev-assets")
	gate := &scriptedGate{}

	p := newTestPipeline(t, gate, buckets)
	doc, err := p.Run(context.Background(), Options{Sinks: []report.Sink{&captureSink{}}})

	require.NoError(t, err)
	assert.Empty(t, gate.titles)
	assert.Equal(t, 0, doc.Summary.Total)
}

func TestRunOutcomesUnderConcurrency(t *testing.T) {
	const n = 40
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("prod-%02d", i)
	}
	buckets := newFakeKind(KindBuckets, names...)
	buckets.pageSize = 7
	buckets.delay = 2 * time.Millisecond
	for i := 0; i < n; i += 5 {
		buckets.transferErr[names[i]] = errors.New("AccessDenied")
	}
	buckets.itemFailures[names[1]] = []string{"a.txt", "b.txt"}

	p := newTestPipeline(t, &scriptedGate{}, buckets)
	doc, err := p.Run(context.Background(), Options{Parallelism: 4, Sinks: []report.Sink{&captureSink{}}})
	require.NoError(t, err)

	assert.Equal(t, n, doc.Summary.Total)
	assert.Equal(t, n, len(doc.Successes)+len(doc.Errors))
	assert.Equal(t, 9, doc.Summary.Failed)
	assert.Len(t, doc.ItemErrors, 2)
	assert.LessOrEqual(t, atomic.LoadInt32(&buckets.maxInFlight), int32(4))
	assert.Equal(t, 2, doc.ExitCode())

	for _, f := range doc.Errors {
		if f.Resource == names[1] {
			assert.Equal(t, "2 item(s) failed", f.Cause)
			assert.Equal(t, string(ErrorKindTransfer), f.ErrorKind)
		}
	}
}

func TestRunTransferPanicIsRecorded(t *testing.T) {
	buckets := &panickingKind{fakeKind: newFakeKind(KindBuckets, "prod-a", "prod-b", "prod-c"), panicOn: "prod-b"}
	sink := &captureSink{}

	p := newTestPipeline(t, &scriptedGate{}, buckets)
	doc, err := p.Run(context.Background(), Options{Parallelism: 2, Sinks: []report.Sink{sink}})
	require.NoError(t, err)

	assert.Equal(t, 1, sink.writes)
	assert.True(t, p.Report().Finalized())
	assert.Equal(t, 3, doc.Summary.Total)
	assert.Equal(t, 2, doc.Summary.Succeeded)
	require.Len(t, doc.Errors, 1)
	assert.Equal(t, "prod-b", doc.Errors[0].Resource)
	assert.Equal(t, string(ErrorKindTransfer), doc.Errors[0].ErrorKind)
	assert.Contains(t, doc.Errors[0].Cause, "panic: nil map write")
}

func TestRunCredentialExpiryOutcomes(t *testing.T) {
	session, calls := countingSession(t)
	buckets := &expiringKind{
		fakeKind: newFakeKind(KindBuckets, "prod-a", "prod-b"),
		client:   newFakeClient(session),
		expiry:   map[string]int{"prod-a": 1, "prod-b": 100},
		attempt:  map[string]int{},
	}

	p := newTestPipeline(t, &scriptedGate{}, buckets)
	doc, err := p.Run(context.Background(), Options{Parallelism: 1, Sinks: []report.Sink{&captureSink{}}})
	require.NoError(t, err)

	require.Len(t, doc.Successes, 1)
	assert.Equal(t, "prod-a", doc.Successes[0].Source)
	assert.Equal(t, "stage-a", doc.Successes[0].Target)

	require.Len(t, doc.Errors, 1)
	assert.Equal(t, "prod-b", doc.Errors[0].Resource)
	assert.Equal(t, string(ErrorKindTransfer), doc.Errors[0].ErrorKind)
	assert.Contains(t, doc.Errors[0].Cause, "retry after credential refresh")

	assert.Equal(t, map[string]int{"prod-a": 2, "prod-b": 2}, buckets.attempt)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls), "one initial credential set plus one refresh per expiry")
	assert.Equal(t, 2, doc.ExitCode())
}

func TestRunFatalTransferStopsRemainingWork(t *testing.T) {
	buckets := newFakeKind(KindBuckets, "prod-a", "prod-b", "prod-c")
	buckets.transferErr["prod-a"] = NewError(ErrorKindAuthorization, "buckets/prod-a", "assume role", errors.New("AccessDenied"))
	sink := &captureSink{}

	p := newTestPipeline(t, &scriptedGate{}, buckets)
	doc, err := p.Run(context.Background(), Options{Parallelism: 1, Sinks: []report.Sink{sink}})

	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&buckets.mutations), "nothing starts after a fatal failure")
	assert.Equal(t, 3, doc.Summary.Total)
	assert.Equal(t, 0, doc.Summary.Succeeded)
	assert.Len(t, doc.Errors, 3)
	assert.Equal(t, 1, sink.writes)
}

func TestRunSnapshotFailureSkipsTransfer(t *testing.T) {
	tables := &fakeSnapshotKind{
		fakeKind:     newFakeKind(KindTables, "prod-orders", "prod-users"),
		failSnapshot: map[string]bool{"prod-users": true},
	}

	p := newTestPipeline(t, &scriptedGate{}, tables)
	doc, err := p.Run(context.Background(), Options{Sinks: []report.Sink{&captureSink{}}})
	require.NoError(t, err)

	require.Len(t, doc.Errors, 1)
	assert.Equal(t, "prod-users", doc.Errors[0].Resource)
	assert.Equal(t, string(ErrorKindSnapshot), doc.Errors[0].ErrorKind)
	assert.NotContains(t, tables.transferred, "stage-users")
	assert.Contains(t, tables.transferred, "stage-orders")
}

func TestRunSnapshotsCompleteBeforeTransfers(t *testing.T) {
	tables := &fakeSnapshotKind{fakeKind: newFakeKind(KindTables, "prod-a", "prod-b", "prod-c", "prod-d")}

	p := newTestPipeline(t, &scriptedGate{}, tables)
	_, err := p.Run(context.Background(), Options{Parallelism: 2, Sinks: []report.Sink{&captureSink{}}})
	require.NoError(t, err)

	require.Len(t, tables.events, 8)
	for i, e := range tables.events {
		if i < 4 {
			assert.Regexp(t, "^snapshot:", e)
		} else {
			assert.Regexp(t, "^transfer:", e)
		}
	}
}

func TestRunDiscoveryFailureIsFatal(t *testing.T) {
	buckets := newFakeKind(KindBuckets, "prod-assets")
	tables := newFakeKind(KindTables, "prod-orders")
	tables.listErr = errors.New("ThrottlingException")
	sink := &captureSink{}

	p := newTestPipeline(t, &scriptedGate{}, buckets, tables)
	doc, err := p.Run(context.Background(), Options{Sinks: []report.Sink{sink}})

	require.Error(t, err)
	assert.True(t, IsKind(err, ErrorKindDiscovery))
	assert.Empty(t, buckets.transferred)
	assert.Equal(t, 0, doc.Summary.Total)
	assert.Equal(t, 1, sink.writes)
}

func TestRunAuthorizationFailureIsFatal(t *testing.T) {
	buckets := newFakeKind(KindBuckets, "prod-assets")
	cfg := validConfig()
	source, target := testAccounts(t, true)
	p, err := New(&cfg, source, target, &scriptedGate{}, buckets)
	require.NoError(t, err)

	_, err = p.Run(context.Background(), Options{Sinks: []report.Sink{&captureSink{}}})
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrorKindAuthorization))
	assert.Empty(t, buckets.transferred)
}

func TestNewRejectsInvalidInput(t *testing.T) {
	cfg := validConfig()
	source, target := testAccounts(t, false)
	kind := newFakeKind(KindBuckets)

	_, err := New(&cfg, source, target, nil, kind)
	assert.Error(t, err)

	_, err = New(&cfg, source, target, &scriptedGate{})
	assert.Error(t, err)

	bad := cfg
	bad.Source.Prefix = ""
	_, err = New(&bad, source, target, &scriptedGate{}, kind)
	assert.Error(t, err)
}

func TestExecuteParallelCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := executeParallel(ctx, []int{1, 2, 3}, 2, func(i int) string {
		return "ran"
	}, func(i int, err error) string {
		return err.Error()
	})

	assert.Equal(t, []string{"context canceled", "context canceled", "context canceled"}, results)
}

func TestExecuteParallelPreservesOrder(t *testing.T) {
	in := []int{5, 1, 4, 2, 3}
	results := executeParallel(context.Background(), in, 3, func(i int) int {
		time.Sleep(time.Duration(i) * time.Millisecond)
		return i * 10
	}, func(int, error) int { return -1 })

	assert.Equal(t, []int{50, 10, 40, 20, 30}, results)
}

func TestExecuteParallelRecoversPanic(t *testing.T) {
	results := executeParallel(context.Background(), []int{1, 2, 3}, 2, func(i int) string {
		if i == 2 {
			var m map[string]int
			m["x"] = i
		}
		return "ok"
	}, func(i int, err error) string {
		return err.Error()
	})

	require.Len(t, results, 3)
	assert.Equal(t, "ok", results[0])
	assert.Contains(t, results[1], "panic:")
	assert.Equal(t, "ok", results[2])
}

func TestExecuteParallelStopsAfterCancelCause(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	stop := errors.New("stop")

	var ran int32
	results := executeParallel(ctx, []int{1, 2, 3}, 1, func(i int) string {
		atomic.AddInt32(&ran, 1)
		cancel(stop)
		return "ran"
	}, func(i int, err error) string {
		return err.Error()
	})

	assert.Equal(t, []string{"ran", "stop", "stop"}, results)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}
