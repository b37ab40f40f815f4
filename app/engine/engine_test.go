package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/rowjobs/app/backend"
	"github.com/umputun/rowjobs/app/job"
	"github.com/umputun/rowjobs/app/session"
	"github.com/umputun/rowjobs/app/sheet"
	"github.com/umputun/rowjobs/app/store"
)

const bb job.Type = "bb-update"

// transportMock is a func-field fake of Transport
type transportMock struct {
	UploadFunc    func(ctx context.Context, f backend.File) (string, error)
	TriggerFunc   func(ctx context.Context, category job.Type, fileID string) ([]job.RawRow, error)
	QueryRowsFunc func(ctx context.Context, category job.Type, fileID string) ([]job.RawRow, error)

	uploads, triggers, queries atomic.Int32
}

func (m *transportMock) Upload(ctx context.Context, f backend.File) (string, error) {
	m.uploads.Add(1)
	return m.UploadFunc(ctx, f)
}

func (m *transportMock) Trigger(ctx context.Context, category job.Type, fileID string) ([]job.RawRow, error) {
	m.triggers.Add(1)
	return m.TriggerFunc(ctx, category, fileID)
}

func (m *transportMock) QueryRows(ctx context.Context, category job.Type, fileID string) ([]job.RawRow, error) {
	m.queries.Add(1)
	return m.QueryRowsFunc(ctx, category, fileID)
}

type notifierMock struct {
	mu   sync.Mutex
	jobs []job.Job
}

func (n *notifierMock) JobFinished(_ context.Context, _ job.Type, j job.Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, j)
	return errors.New("not delivered") // must be only logged
}

func (n *notifierMock) finished() []job.Job {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]job.Job(nil), n.jobs...)
}

// backendFake keeps rows per file and serves them through transportMock
type backendFake struct {
	mu   sync.Mutex
	rows map[string][]job.RawRow
	fail map[string]error
}

func newBackendFake() *backendFake {
	return &backendFake{rows: map[string][]job.RawRow{}, fail: map[string]error{}}
}

func (b *backendFake) set(fileID string, rows ...job.RawRow) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows[fileID] = rows
}

func (b *backendFake) failOn(fileID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.fail, fileID)
		return
	}
	b.fail[fileID] = err
}

func (b *backendFake) transport() *transportMock {
	return &transportMock{
		UploadFunc: func(_ context.Context, f backend.File) (string, error) {
			return "fid-" + f.Name, nil
		},
		TriggerFunc: func(_ context.Context, _ job.Type, fileID string) ([]job.RawRow, error) {
			b.mu.Lock()
			defer b.mu.Unlock()
			return b.rows[fileID], nil
		},
		QueryRowsFunc: func(_ context.Context, _ job.Type, fileID string) ([]job.RawRow, error) {
			b.mu.Lock()
			defer b.mu.Unlock()
			if err := b.fail[fileID]; err != nil {
				return nil, err
			}
			if fileID != "" {
				return append([]job.RawRow(nil), b.rows[fileID]...), nil
			}
			var res []job.RawRow
			for _, rr := range b.rows {
				res = append(res, rr...)
			}
			return res, nil
		},
	}
}

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func rows(fileID string, n int, status job.RowStatus, errMsg string, updated time.Time) []job.RawRow {
	res := make([]job.RawRow, n)
	for i := range res {
		res[i] = job.RawRow{FileID: fileID, Status: status, Error: errMsg, Created: t0, Updated: updated}
	}
	return res
}

func validRows() []sheet.Row {
	return []sheet.Row{{"sku": "1", "price": "10"}, {"sku": "2", "price": "20"}}
}

func newEngine(t *testing.T, tr Transport, p *session.JSON) (*Engine, *store.Store) {
	t.Helper()
	var sp store.Persister
	var ep Persister
	if p != nil {
		sp, ep = p, p
	}
	st := store.New(sp, log.NoOp)
	e, err := New(Params{Type: bb, Transport: tr, Store: st, Persister: ep, RequiredColumns: []string{"SKU", "Price"},
		Logger: log.NoOp})
	require.NoError(t, err)
	return e, st
}

func TestNew_Errors(t *testing.T) {
	st := store.New(nil, log.NoOp)
	_, err := New(Params{Transport: &transportMock{}, Store: st})
	require.Error(t, err)
	_, err = New(Params{Type: bb, Store: st})
	require.Error(t, err)
	_, err = New(Params{Type: bb, Transport: &transportMock{}})
	require.Error(t, err)

	e, err := New(Params{Type: bb, Transport: &transportMock{}, Store: st})
	require.NoError(t, err)
	assert.Equal(t, "bb-update", e.Name())
	assert.Equal(t, []job.Type{bb}, st.Types(), "job type registered on creation")
}

func TestEngine_ProcessFileAndCreateJob(t *testing.T) {
	be := newBackendFake()
	be.set("fid-A.xlsx", rows("fid-A.xlsx", 3, job.RowNew, "", t0)...)
	tr := be.transport()
	e, _ := newEngine(t, tr, nil)

	j, err := e.ProcessFileAndCreateJob(context.Background(), backend.File{Name: "A.xlsx", Data: []byte("xlsx")}, validRows())
	require.NoError(t, err)
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, "fid-A.xlsx", j.Name)
	assert.Equal(t, job.StatusRunning, j.Status)
	assert.Equal(t, 3, j.Total)
	assert.Equal(t, 0, j.Progress)
	assert.Equal(t, []job.Job{j}, e.Running())
	assert.Empty(t, e.Completed())
	assert.Equal(t, int32(0), tr.queries.Load(), "first rows served from trigger response")

	// backend finishes all rows, next poll moves the job to completed
	be.set("fid-A.xlsx", rows("fid-A.xlsx", 3, job.RowProcessed, "", t0.Add(time.Minute))...)
	running := e.GetRunningJobs(context.Background())
	assert.Empty(t, running)
	assert.Empty(t, e.Running())
	require.Len(t, e.Completed(), 1)
	done := e.Completed()[0]
	assert.Equal(t, j.ID, done.ID)
	assert.Equal(t, job.StatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	require.NotNil(t, done.EndTime)
	assert.Equal(t, t0.Add(time.Minute), *done.EndTime)

	// unregistered, nothing to poll anymore
	assert.Empty(t, e.GetRunningJobs(context.Background()))
	assert.Len(t, e.Completed(), 1)
}

func TestEngine_ProcessFileAndCreateJob_AllFailed(t *testing.T) {
	be := newBackendFake()
	be.set("fid-B.xlsx", rows("fid-B.xlsx", 2, job.RowNew, "", t0)...)
	nt := &notifierMock{}
	st := store.New(nil, log.NoOp)
	e, err := New(Params{Type: bb, Transport: be.transport(), Store: st, Notifier: nt, Logger: log.NoOp})
	require.NoError(t, err)

	j, err := e.ProcessFileAndCreateJob(context.Background(), backend.File{Name: "B.xlsx", Data: []byte("x")}, validRows())
	require.NoError(t, err)

	be.set("fid-B.xlsx", rows("fid-B.xlsx", 2, job.RowProcessed, "bad sku", t0.Add(time.Hour))...)
	e.GetRunningJobs(context.Background())
	require.Len(t, e.Completed(), 1)
	failed := e.Completed()[0]
	assert.Equal(t, j.ID, failed.ID)
	assert.Equal(t, job.StatusFailed, failed.Status)
	assert.Equal(t, 2, failed.Failed)
	assert.Contains(t, failed.Message, "bad sku")
	require.Len(t, nt.finished(), 1, "notifier called once, its error ignored")
	assert.Equal(t, j.ID, nt.finished()[0].ID)
}

func TestEngine_ProcessFileAndCreateJob_Validation(t *testing.T) {
	tr := newBackendFake().transport()
	e, _ := newEngine(t, tr, nil)
	ctx := context.Background()

	_, err := e.ProcessFileAndCreateJob(ctx, backend.File{Name: "A.xlsx"}, validRows())
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = e.ProcessFileAndCreateJob(ctx, backend.File{Name: "A.xlsx", Data: []byte("x")}, nil)
	require.ErrorAs(t, err, &verr)

	_, err = e.ProcessFileAndCreateJob(ctx, backend.File{Name: "A.xlsx", Data: []byte("x")},
		[]sheet.Row{{"sku": "1", "price": "1"}, {"sku": "2"}})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"Price"}, verr.Missing)

	assert.Equal(t, int32(0), tr.uploads.Load(), "no network calls on validation failure")
	assert.Equal(t, int32(0), tr.triggers.Load())
	assert.Empty(t, e.Running())
}

func TestEngine_ProcessFileAndCreateJob_InFlight(t *testing.T) {
	be := newBackendFake()
	tr := be.transport()
	release := make(chan struct{})
	started := make(chan struct{})
	tr.UploadFunc = func(_ context.Context, f backend.File) (string, error) {
		close(started)
		<-release
		return "fid-" + f.Name, nil
	}
	e, _ := newEngine(t, tr, nil)
	f := backend.File{Name: "A.xlsx", Data: []byte("x")}

	errCh := make(chan error, 1)
	go func() {
		_, err := e.ProcessFileAndCreateJob(context.Background(), f, validRows())
		errCh <- err
	}()
	<-started

	_, err := e.ProcessFileAndCreateJob(context.Background(), f, validRows())
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "already being submitted")

	close(release)
	require.NoError(t, <-errCh)
	assert.Len(t, e.Running(), 1)
}

func TestEngine_SetupErrors(t *testing.T) {
	be := newBackendFake()
	tr := be.transport()
	tr.UploadFunc = func(context.Context, backend.File) (string, error) { return "", errors.New("conn refused") }
	e, _ := newEngine(t, tr, nil)

	_, err := e.ProcessFileAndCreateJob(context.Background(), backend.File{Name: "A.xlsx", Data: []byte("x")}, validRows())
	var uerr *FileUploadError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "A.xlsx", uerr.File)
	assert.Equal(t, int32(0), tr.triggers.Load())

	tr.TriggerFunc = func(context.Context, job.Type, string) ([]job.RawRow, error) { return nil, errors.New("503") }
	_, err = e.CreateJobFromUploadedFile(context.Background(), "fid-1")
	var terr *ProcessingTriggerError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "fid-1", terr.FileID)
	assert.Empty(t, e.Running())
	assert.Empty(t, e.active.list(), "nothing registered on trigger failure")
}

func TestEngine_CreateJobFromUploadedFile_AlreadyDone(t *testing.T) {
	be := newBackendFake()
	be.set("fid-1", rows("fid-1", 2, job.RowProcessed, "", t0)...)
	e, _ := newEngine(t, be.transport(), nil)

	j, err := e.CreateJobFromUploadedFile(context.Background(), "fid-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Empty(t, e.Running())
	assert.Equal(t, []job.Job{j}, e.Completed())
	assert.Empty(t, e.active.list())
}

func TestEngine_GetRunningJobs(t *testing.T) {
	t.Run("no active jobs", func(t *testing.T) {
		tr := newBackendFake().transport()
		e, st := newEngine(t, tr, nil)
		st.SetRunningJobs(bb, []job.Job{{ID: "stale"}})
		res := e.GetRunningJobs(context.Background())
		assert.NotNil(t, res)
		assert.Empty(t, res)
		assert.Empty(t, e.Running())
		assert.Equal(t, int32(0), tr.queries.Load())
	})

	t.Run("progress, vanished and degraded", func(t *testing.T) {
		be := newBackendFake()
		be.set("f1", append(rows("f1", 1, job.RowProcessed, "", t0), rows("f1", 3, job.RowNew, "", t0)...)...)
		be.set("f2", rows("f2", 1, job.RowNew, "", t0)...)
		be.set("f3", rows("f3", 2, job.RowNew, "", t0)...)
		e, _ := newEngine(t, be.transport(), nil)
		for _, f := range []string{"f1", "f2", "f3"} {
			_, err := e.CreateJobFromUploadedFile(context.Background(), f)
			require.NoError(t, err)
		}
		require.Len(t, e.Running(), 3)

		be.set("f2") // vanished
		be.failOn("f3", errors.New("timeout"))
		res := e.GetRunningJobs(context.Background())
		require.Len(t, res, 2)
		assert.Equal(t, "f1", res[0].Name)
		assert.Equal(t, 25, res[0].Progress)
		assert.Equal(t, "f3", res[1].Name, "failed fetch keeps last known state")
		assert.Equal(t, 2, res[1].Total)
		assert.Equal(t, res, e.Running())
		assert.Len(t, e.active.list(), 2)

		be.failOn("f3", nil)
		be.set("f3", rows("f3", 2, job.RowProcessed, "", t0)...)
		res = e.GetRunningJobs(context.Background())
		require.Len(t, res, 1)
		assert.Equal(t, "f1", res[0].Name)
		require.Len(t, e.Completed(), 1)
		assert.Equal(t, "f3", e.Completed()[0].Name)
	})

	t.Run("cancelled poll commits nothing", func(t *testing.T) {
		be := newBackendFake()
		be.set("f1", rows("f1", 2, job.RowNew, "", t0)...)
		e, _ := newEngine(t, be.transport(), nil)
		_, err := e.CreateJobFromUploadedFile(context.Background(), "f1")
		require.NoError(t, err)
		before := e.Running()

		be.set("f1", rows("f1", 2, job.RowProcessed, "", t0)...)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.Nil(t, e.GetRunningJobs(ctx))
		assert.Equal(t, before, e.Running())
		assert.Empty(t, e.Completed())
	})
}

func TestEngine_GetJobEntries(t *testing.T) {
	be := newBackendFake()
	be.set("f1", rows("f1", 2, job.RowNew, "", t0)...)
	tr := be.transport()
	e, _ := newEngine(t, tr, nil)
	ctx := context.Background()

	assert.Len(t, e.GetJobEntries(ctx, "f1", true), 2)
	assert.Equal(t, int32(1), tr.queries.Load())
	assert.Len(t, e.GetJobEntries(ctx, "f1", true), 2)
	assert.Equal(t, int32(1), tr.queries.Load(), "served from cache")

	be.set("f1", rows("f1", 3, job.RowNew, "", t0)...)
	assert.Len(t, e.GetJobEntries(ctx, "f1", false), 3)
	assert.Equal(t, int32(2), tr.queries.Load())
	assert.Len(t, e.GetJobEntries(ctx, "f1", true), 3, "cache refreshed by forced fetch")

	be.failOn("f2", errors.New("boom"))
	res := e.GetJobEntries(ctx, "f2", false)
	assert.NotNil(t, res)
	assert.Empty(t, res)
}

func TestEngine_LoadCompletedJobs(t *testing.T) {
	be := newBackendFake()
	be.set("old", rows("old", 2, job.RowProcessed, "", t0.Add(time.Hour))...)
	be.set("new", rows("new", 1, job.RowProcessed, "", t0.Add(2*time.Hour))...)
	be.set("busy", rows("busy", 2, job.RowNew, "", t0)...)
	be.set("bad", rows("bad", 1, job.RowProcessed, "boom", t0)...)
	e, st := newEngine(t, be.transport(), nil)
	ctx := context.Background()

	res := e.LoadCompletedJobs(ctx)
	require.Len(t, res, 2, "only completed jobs kept")
	assert.Equal(t, "new", res[0].Name, "most recent first")
	assert.Equal(t, "old", res[1].Name)
	assert.Equal(t, res, e.Completed())
	assert.False(t, e.IsLoadingOverview())

	// ids are stable across loads
	again := e.LoadCompletedJobs(ctx)
	assert.Equal(t, res, again)

	// failure keeps the list and sets error
	be.failOn("", errors.New("503"))
	assert.Nil(t, e.LoadCompletedJobs(ctx))
	assert.Equal(t, res, e.Completed())
	assert.False(t, e.IsLoadingOverview())
	assert.Equal(t, "503", st.Error(bb))

	be.failOn("", nil)
	e.LoadCompletedJobs(ctx)
	assert.Empty(t, st.Error(bb), "error cleared by successful load")
}

func TestEngine_LoadCompletedJobs_SkipsActive(t *testing.T) {
	be := newBackendFake()
	be.set("f1", rows("f1", 1, job.RowNew, "", t0)...)
	e, _ := newEngine(t, be.transport(), nil)
	j, err := e.CreateJobFromUploadedFile(context.Background(), "f1")
	require.NoError(t, err)

	be.set("f1", rows("f1", 1, job.RowProcessed, "", t0)...)
	assert.Empty(t, e.LoadCompletedJobs(context.Background()), "running job is not duplicated in completed")

	e.GetRunningJobs(context.Background())
	require.Len(t, e.Completed(), 1)
	assert.Equal(t, j.ID, e.Completed()[0].ID)
	assert.Empty(t, e.Running())
}

func TestEngine_LoadJobDetails(t *testing.T) {
	be := newBackendFake()
	be.set("f1", rows("f1", 2, job.RowNew, "", t0)...)
	tr := be.transport()
	e, _ := newEngine(t, tr, nil)
	j, err := e.CreateJobFromUploadedFile(context.Background(), "f1")
	require.NoError(t, err)

	be.set("f1", rows("f1", 2, job.RowProcessed, "", t0)...)
	res := e.LoadJobDetails(context.Background(), j.ID)
	require.Len(t, res, 2)
	assert.Equal(t, job.RowProcessed, res[0].Status, "fresh fetch, cache bypassed")
	assert.Len(t, e.LoadJobDetails(context.Background(), "f1"), 2)
	assert.Empty(t, e.LoadJobDetails(context.Background(), "unknown"))
}

func TestEngine_PersistAndRestore(t *testing.T) {
	be := newBackendFake()
	be.set("f1", rows("f1", 2, job.RowNew, "", t0)...)
	mem := session.NewMemory()
	p := session.NewJSON(mem, log.NoOp)

	e, _ := newEngine(t, be.transport(), p)
	j, err := e.CreateJobFromUploadedFile(context.Background(), "f1")
	require.NoError(t, err)

	// new engine with the same session resumes the job
	e2, _ := newEngine(t, be.transport(), p)
	assert.Equal(t, []job.Job{j}, e2.Running())
	be.set("f1", rows("f1", 2, job.RowProcessed, "", t0)...)
	e2.GetRunningJobs(context.Background())
	require.Len(t, e2.Completed(), 1)
	assert.Equal(t, j.ID, e2.Completed()[0].ID)

	// finished job survives another reload
	e2b, _ := newEngine(t, be.transport(), p)
	assert.Empty(t, e2b.Running())
	assert.Equal(t, e2.Completed(), e2b.Completed())

	e2.ClearPersistedState()
	assert.Empty(t, e2.Running())
	assert.Empty(t, e2.Completed())
	assert.Empty(t, mem.Keys())

	e3, _ := newEngine(t, be.transport(), p)
	assert.Empty(t, e3.Running())
	assert.Empty(t, e3.active.list())
}

type quotaStore struct{ *session.Memory }

func (quotaStore) Set(string, string) error { return errors.New("quota exceeded") }

func TestEngine_PersistFailure(t *testing.T) {
	be := newBackendFake()
	be.set("f1", rows("f1", 2, job.RowNew, "", t0)...)
	p := session.NewJSON(quotaStore{session.NewMemory()}, log.NoOp)
	e, _ := newEngine(t, be.transport(), p)

	j, err := e.CreateJobFromUploadedFile(context.Background(), "f1")
	require.NoError(t, err, "persistence failure is not a job failure")
	assert.Equal(t, []job.Job{j}, e.Running())
}

func TestEngine_Polling(t *testing.T) {
	be := newBackendFake()
	be.set("f1", rows("f1", 1, job.RowProcessed, "", t0)...)
	tr := be.transport()
	e, _ := newEngine(t, tr, nil)

	e.StartPolling(time.Hour)
	require.Eventually(t, func() bool { return len(e.Completed()) == 1 }, time.Second, 10*time.Millisecond,
		"first overview load is immediate")
	e.StartPolling(time.Hour) // already active
	overview, running := e.Polling()
	assert.True(t, overview)
	assert.False(t, running)

	e.StartRunningJobsPolling(time.Hour)
	_, running = e.Polling()
	assert.True(t, running)

	e.StopPolling()
	e.StopRunningJobsPolling()
	overview, running = e.Polling()
	assert.False(t, overview)
	assert.False(t, running)
}

func TestEngine_Watch(t *testing.T) {
	be := newBackendFake()
	be.set("f1", rows("f1", 1, job.RowNew, "", t0)...)
	e, _ := newEngine(t, be.transport(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := e.Watch(ctx)
	st := <-ch
	assert.Empty(t, st.Running)

	_, err := e.CreateJobFromUploadedFile(context.Background(), "f1")
	require.NoError(t, err)
	st = <-ch
	assert.Len(t, st.Running, 1)
}

// blockOn makes QueryRows of fileID wait for release, started is closed on the first blocked call
func blockOn(tr *transportMock, fileID string) (started, release chan struct{}) {
	started, release = make(chan struct{}), make(chan struct{})
	query := tr.QueryRowsFunc
	var once sync.Once
	tr.QueryRowsFunc = func(ctx context.Context, category job.Type, fid string) ([]job.RawRow, error) {
		if fid == fileID {
			once.Do(func() { close(started) })
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return query(ctx, category, fid)
	}
	return started, release
}

func TestEngine_GetRunningJobs_JoinsBeforeCommit(t *testing.T) {
	be := newBackendFake()
	for _, f := range []string{"f1", "f2", "f3"} {
		be.set(f, rows(f, 2, job.RowNew, "", t0)...)
	}
	tr := be.transport()
	e, _ := newEngine(t, tr, nil)
	for _, f := range []string{"f1", "f2", "f3"} {
		_, err := e.CreateJobFromUploadedFile(context.Background(), f)
		require.NoError(t, err)
	}
	before := e.Running()
	be.set("f2", rows("f2", 2, job.RowProcessed, "", t0)...)
	be.set("f3", rows("f3", 2, job.RowProcessed, "", t0)...)
	started, release := blockOn(tr, "f1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := e.Watch(ctx)
	<-ch

	done := make(chan []job.Job, 1)
	go func() { done <- e.GetRunningJobs(context.Background()) }()
	<-started
	require.Eventually(t, func() bool { return tr.queries.Load() == 3 }, time.Second, 5*time.Millisecond,
		"other fetches resolved while f1 is blocked")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, e.Running(), "nothing written before all fetches joined")
	assert.Empty(t, e.Completed())
	select {
	case <-ch:
		t.Fatal("watcher updated before all fetches joined")
	default:
	}

	close(release)
	res := <-done
	require.Len(t, res, 1)
	assert.Equal(t, "f1", res[0].Name)
	st := <-ch
	assert.Len(t, st.Running, 1)
	assert.Len(t, st.Completed, 2, "running and completed published together")
}

func TestEngine_GetRunningJobs_Concurrency(t *testing.T) {
	run := func(t *testing.T, limit, jobs int) int32 {
		be := newBackendFake()
		tr := be.transport()
		var cur, peak atomic.Int32
		query := tr.QueryRowsFunc
		tr.QueryRowsFunc = func(ctx context.Context, category job.Type, fileID string) ([]job.RawRow, error) {
			n := cur.Add(1)
			defer cur.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			return query(ctx, category, fileID)
		}
		e, err := New(Params{Type: bb, Transport: tr, Store: store.New(nil, log.NoOp), Concurrency: limit, Logger: log.NoOp})
		require.NoError(t, err)
		for i := range jobs {
			f := "f" + string(rune('a'+i))
			be.set(f, rows(f, 1, job.RowNew, "", t0)...)
			_, err := e.CreateJobFromUploadedFile(context.Background(), f)
			require.NoError(t, err)
		}
		require.Len(t, e.GetRunningJobs(context.Background()), jobs)
		return peak.Load()
	}

	t.Run("limited", func(t *testing.T) {
		assert.Equal(t, int32(2), run(t, 2, 6))
	})
	t.Run("unlimited", func(t *testing.T) {
		assert.Greater(t, run(t, 0, 6), int32(2), "fetches overlap")
	})
}

func TestEngine_GetRunningJobs_ClearDuringPoll(t *testing.T) {
	be := newBackendFake()
	be.set("f1", rows("f1", 2, job.RowNew, "", t0)...)
	tr := be.transport()
	mem := session.NewMemory()
	e, _ := newEngine(t, tr, session.NewJSON(mem, log.NoOp))
	_, err := e.CreateJobFromUploadedFile(context.Background(), "f1")
	require.NoError(t, err)

	be.set("f1", rows("f1", 2, job.RowProcessed, "", t0)...)
	started, release := blockOn(tr, "f1")
	done := make(chan []job.Job, 1)
	go func() { done <- e.GetRunningJobs(context.Background()) }()
	<-started

	e.ClearPersistedState()
	close(release)
	assert.Nil(t, <-done, "results of a cleared state dropped")
	assert.Empty(t, e.Running())
	assert.Empty(t, e.Completed())
	assert.Empty(t, e.active.list())
	assert.Empty(t, mem.Keys(), "nothing persisted again")
}

func TestEngine_GetRunningJobs_RegisterDuringPoll(t *testing.T) {
	be := newBackendFake()
	be.set("f1", rows("f1", 2, job.RowNew, "", t0)...)
	be.set("f2", rows("f2", 2, job.RowNew, "", t0)...)
	tr := be.transport()
	e, _ := newEngine(t, tr, nil)
	_, err := e.CreateJobFromUploadedFile(context.Background(), "f1")
	require.NoError(t, err)

	started, release := blockOn(tr, "f1")
	done := make(chan []job.Job, 1)
	go func() { done <- e.GetRunningJobs(context.Background()) }()
	<-started

	j2, err := e.CreateJobFromUploadedFile(context.Background(), "f2")
	require.NoError(t, err)
	close(release)
	res := <-done
	require.Len(t, res, 2)
	assert.Equal(t, "f1", res[0].Name)
	assert.Equal(t, j2, res[1], "job registered during poll kept")
	assert.Equal(t, res, e.Running())
}

func TestEngine_GetRunningJobs_KeepsOverviewFlags(t *testing.T) {
	be := newBackendFake()
	be.set("f1", rows("f1", 2, job.RowNew, "", t0)...)
	e, st := newEngine(t, be.transport(), nil)
	_, err := e.CreateJobFromUploadedFile(context.Background(), "f1")
	require.NoError(t, err)

	st.SetLoading(bb, true)
	e.GetRunningJobs(context.Background())
	assert.True(t, e.IsLoadingOverview(), "running poll does not reset overview loading")

	st.SetError(bb, "503")
	e.GetRunningJobs(context.Background())
	assert.Equal(t, "503", st.Error(bb), "running poll does not reset overview error")
}

// notifierFunc adapts a function to Notifier
type notifierFunc func(ctx context.Context, category job.Type, j job.Job) error

func (f notifierFunc) JobFinished(ctx context.Context, category job.Type, j job.Job) error {
	return f(ctx, category, j)
}

func TestEngine_NotifyFinished(t *testing.T) {
	t.Run("parallel deliveries", func(t *testing.T) {
		var calls atomic.Int32
		nt := notifierFunc(func(context.Context, job.Type, job.Job) error {
			calls.Add(1)
			time.Sleep(100 * time.Millisecond)
			return nil
		})
		be := newBackendFake()
		st := store.New(nil, log.NoOp)
		e, err := New(Params{Type: bb, Transport: be.transport(), Store: st, Notifier: nt, Logger: log.NoOp})
		require.NoError(t, err)
		for _, f := range []string{"f1", "f2", "f3", "f4"} {
			be.set(f, rows(f, 1, job.RowNew, "", t0)...)
			_, err := e.CreateJobFromUploadedFile(context.Background(), f)
			require.NoError(t, err)
			be.set(f, rows(f, 1, job.RowProcessed, "", t0)...)
		}

		st0 := time.Now()
		assert.Empty(t, e.GetRunningJobs(context.Background()))
		assert.Less(t, time.Since(st0), 300*time.Millisecond, "notifications not serialized")
		assert.Equal(t, int32(4), calls.Load())
		assert.Len(t, e.Completed(), 4)
	})

	t.Run("cancelled with running loop", func(t *testing.T) {
		entered, cancelled := make(chan struct{}), make(chan struct{})
		nt := notifierFunc(func(ctx context.Context, _ job.Type, _ job.Job) error {
			close(entered)
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		})
		be := newBackendFake()
		be.set("f1", rows("f1", 1, job.RowNew, "", t0)...)
		e, err := New(Params{Type: bb, Transport: be.transport(), Store: store.New(nil, log.NoOp), Notifier: nt,
			Logger: log.NoOp})
		require.NoError(t, err)
		_, err = e.CreateJobFromUploadedFile(context.Background(), "f1")
		require.NoError(t, err)
		be.set("f1", rows("f1", 1, job.RowProcessed, "", t0)...)

		e.StartRunningJobsPolling(time.Hour)
		<-entered
		e.StopRunningJobsPolling()
		select {
		case <-cancelled:
		case <-time.After(time.Second):
			t.Fatal("notification not cancelled by stop")
		}
		assert.Len(t, e.Completed(), 1)
	})
}
