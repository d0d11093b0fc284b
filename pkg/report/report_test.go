package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	writes int
	data   []byte
	err    error
}

func (m *memorySink) Name() string { return "memory" }

func (m *memorySink) Write(_ context.Context, _ string, data []byte) error {
	m.writes++
	m.data = data
	return m.err
}

func TestReportConcurrentAppends(t *testing.T) {
	r := New("run-1")

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("prod-%03d", i)
			if i%3 == 0 {
				r.RecordFailure("tables", name, "transfer_failure", errors.New("boom"))
				return
			}
			r.RecordSuccess("tables", name, "stage-"+name[5:])
		}(i)
	}
	wg.Wait()

	doc := r.Snapshot()
	assert.Equal(t, n, doc.Summary.Total)
	assert.Equal(t, n, len(doc.Successes)+len(doc.Errors))
	assert.Equal(t, 67, doc.Summary.Failed)
	assert.Equal(t, 2, doc.ExitCode())
}

func TestReportFinalizeOnce(t *testing.T) {
	r := New("run-2")
	r.RecordSuccess("buckets", "prod-assets", "stage-assets")
	sink := &memorySink{}

	require.NoError(t, r.Finalize(context.Background(), sink))
	r.RecordSuccess("buckets", "prod-late", "stage-late")
	require.NoError(t, r.Finalize(context.Background(), sink))

	assert.Equal(t, 1, sink.writes)
	assert.True(t, r.Finalized())

	var doc Document
	require.NoError(t, json.Unmarshal(sink.data, &doc))
	assert.Equal(t, "run-2", doc.RunID)
	require.NotNil(t, doc.FinishedAt)
	require.Len(t, doc.Successes, 1)
	assert.Equal(t, "stage-assets", doc.Successes[0].Target)
}

func TestReportFinalizeEmptyHasArrays(t *testing.T) {
	r := New("run-3")
	sink := &memorySink{}

	require.NoError(t, r.Finalize(context.Background(), sink))

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(sink.data, &raw))
	assert.Equal(t, []interface{}{}, raw["successes"])
	assert.Equal(t, []interface{}{}, raw["errors"])
}

func TestReportFinalizeCollectsSinkErrors(t *testing.T) {
	r := New("run-4")
	good := &memorySink{}
	bad := &memorySink{err: errors.New("denied")}

	err := r.Finalize(context.Background(), bad, good)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied")
	assert.Equal(t, 1, good.writes)
}

func TestFileSink(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", DefaultFileName)

	r := New("run-5")
	r.RecordItemFailure("buckets", "prod-assets", "img/a.png", errors.New("AccessDenied"))
	r.RecordFailure("buckets", "prod-assets", "transfer_failure", errors.New("1 item(s) failed"))

	require.NoError(t, r.Finalize(context.Background(), FileSink{Path: path}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Len(t, doc.ItemErrors, 1)
	assert.Equal(t, "img/a.png", doc.ItemErrors[0].Item)
	assert.Equal(t, 1, doc.Summary.Failed)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")
}
