package worker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"quantforge/backend/features/job"
	"quantforge/backend/internal/engine"
	"quantforge/backend/internal/notify"
	"quantforge/backend/internal/queue"
	"quantforge/backend/internal/worker"
)

type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) Fetch(ctx context.Context, ref, destDir string) (string, error) {
	args := m.Called(ctx, ref, destDir)
	return args.String(0), args.Error(1)
}

func (m *MockStorage) Store(ctx context.Context, localPath string) (string, error) {
	args := m.Called(ctx, localPath)
	return args.String(0), args.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, ownerID, event string, payload any) error {
	return m.Called(ctx, ownerID, event, payload).Error(0)
}

type engineFunc func(ctx context.Context, req engine.Request) (engine.Result, error)

func (f engineFunc) Run(ctx context.Context, req engine.Request) (engine.Result, error) {
	return f(ctx, req)
}

// claimFaultRepo fails the first claim of any job, either with an error or
// with a panic, then behaves like the wrapped store.
type claimFaultRepo struct {
	*job.MemoryRepo
	panics  bool
	tripped atomic.Bool
}

func (r *claimFaultRepo) CompareAndSwap(ctx context.Context, expected job.Status, next *job.Job) error {
	if next.Status == job.StatusProcessing && r.tripped.CompareAndSwap(false, true) {
		if r.panics {
			panic("driver bug: nil row")
		}
		return errors.New("connection reset by peer")
	}
	return r.MemoryRepo.CompareAndSwap(ctx, expected, next)
}

type harness struct {
	repo     *job.MemoryRepo
	svc      *job.Service
	queue    *queue.PriorityQueue
	storage  *MockStorage
	notifier *MockNotifier
	inflight *worker.InFlight
	workDir  string
	logger   *slog.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := job.NewMemoryRepo()
	q := queue.NewPriorityQueue()
	h := &harness{
		repo:     repo,
		svc:      job.NewService(repo, nil, nil, q, logger),
		queue:    q,
		storage:  new(MockStorage),
		notifier: new(MockNotifier),
		inflight: worker.NewInFlight(),
		workDir:  t.TempDir(),
		logger:   logger,
	}
	h.storage.On("Fetch", mock.Anything, mock.Anything, mock.Anything).Return("/tmp/input.bin", nil).Maybe()
	h.storage.On("Store", mock.Anything, mock.Anything).Return("results/abc/model.bin", nil).Maybe()
	h.notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return h
}

// withRepo routes the service through r while h.repo stays the backing store.
func (h *harness) withRepo(r job.Repository) {
	h.svc = job.NewService(r, nil, nil, h.queue, h.logger)
}

func (h *harness) seed(t *testing.T, originalSize int64, tier queue.Tier) *job.Job {
	t.Helper()
	j := job.New("owner-1", "llama", job.MethodGPTQ, job.FormatPyTorch, job.FormatSafetensors,
		"uploads/llama.bin", originalSize, 2, int(tier), time.Now())
	require.NoError(t, h.repo.Create(context.Background(), j))
	require.NoError(t, h.queue.Enqueue(context.Background(), j.ID, tier))
	return j
}

func (h *harness) pool(eng engine.Engine, opts ...worker.Option) *worker.Pool {
	opts = append([]worker.Option{
		worker.WithPollInterval(10 * time.Millisecond),
		worker.WithWorkDir(h.workDir),
	}, opts...)
	return worker.NewPool(h.svc, h.queue, eng, h.storage, h.notifier, h.inflight, h.logger, opts...)
}

// runUntil runs p until every id is terminal, then stops it and waits for it to drain.
func (h *harness) runUntil(t *testing.T, p *worker.Pool, ids ...string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			j, err := h.repo.Get(context.Background(), id)
			if err != nil || !j.Status.Terminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func (h *harness) get(t *testing.T, id string) *job.Job {
	t.Helper()
	j, err := h.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestPool_CompletesJob(t *testing.T) {
	h := newHarness(t)
	j := h.seed(t, 1_000_000_000, queue.TierNormal)

	var midRunProgress int
	eng := engineFunc(func(ctx context.Context, req engine.Request) (engine.Result, error) {
		assert.Equal(t, engine.BackendPyTorch, req.Params.Backend)
		assert.Equal(t, "safetensors", req.OutputFormat)
		req.Progress(50)
		cur, err := h.repo.Get(ctx, req.JobID)
		if err == nil {
			midRunProgress = cur.Progress
		}
		return engine.Result{OutputPath: filepath.Join(req.OutputDir, "model.bin"), OutputSizeBytes: 250_000_000}, nil
	})

	h.runUntil(t, h.pool(eng), j.ID)

	got := h.get(t, j.ID)
	assert.Equal(t, job.StatusCompleted, got.Status)
	require.NotNil(t, got.ReductionPercent)
	assert.Equal(t, 75.0, *got.ReductionPercent)
	assert.Equal(t, int64(250_000_000), *got.QuantizedSize)
	assert.Equal(t, "results/abc/model.bin", got.OutputFileRef)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 52, midRunProgress)

	h.storage.AssertNumberOfCalls(t, "Store", 1)
	h.notifier.AssertCalled(t, "Notify", mock.Anything, "owner-1", notify.EventJobCompleted, mock.Anything)
	assert.Zero(t, h.inflight.Len())
	_, err := os.Stat(filepath.Join(h.workDir, j.ID))
	assert.True(t, os.IsNotExist(err), "work dir should be removed")
}

func TestPool_EngineTimeout(t *testing.T) {
	h := newHarness(t)
	j := h.seed(t, 1000, queue.TierNormal)

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	eng := engineFunc(func(ctx context.Context, req engine.Request) (engine.Result, error) {
		<-block // ignores ctx on purpose
		return engine.Result{}, nil
	})

	h.runUntil(t, h.pool(eng, worker.WithJobTimeout(50*time.Millisecond)), j.ID)

	got := h.get(t, j.ID)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "timeout")
	h.storage.AssertNotCalled(t, "Store", mock.Anything, mock.Anything)
	h.notifier.AssertCalled(t, "Notify", mock.Anything, "owner-1", notify.EventJobFailed, mock.Anything)
	assert.Zero(t, h.inflight.Len())
}

func TestPool_EngineError(t *testing.T) {
	h := newHarness(t)
	j := h.seed(t, 1000, queue.TierNormal)

	eng := engineFunc(func(ctx context.Context, req engine.Request) (engine.Result, error) {
		return engine.Result{}, &engine.Error{Method: req.Method, Msg: "out of memory"}
	})

	h.runUntil(t, h.pool(eng), j.ID)

	got := h.get(t, j.ID)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "out of memory")
}

func TestPool_EnginePanic(t *testing.T) {
	h := newHarness(t)
	j := h.seed(t, 1000, queue.TierNormal)

	eng := engineFunc(func(ctx context.Context, req engine.Request) (engine.Result, error) {
		panic("boom")
	})

	h.runUntil(t, h.pool(eng), j.ID)

	got := h.get(t, j.ID)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "boom")
	assert.Zero(t, h.inflight.Len())
}

func TestPool_FetchFailure(t *testing.T) {
	h := newHarness(t)
	h.storage = new(MockStorage)
	h.storage.On("Fetch", mock.Anything, "uploads/llama.bin", mock.Anything).Return("", errors.New("disk gone"))
	j := h.seed(t, 1000, queue.TierNormal)

	var calls atomic.Int32
	eng := engineFunc(func(ctx context.Context, req engine.Request) (engine.Result, error) {
		calls.Add(1)
		return engine.Result{}, nil
	})

	h.runUntil(t, h.pool(eng), j.ID)

	got := h.get(t, j.ID)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "fetch input")
	assert.Zero(t, calls.Load())
}

func TestPool_FetchTimeout(t *testing.T) {
	h := newHarness(t)
	h.storage = new(MockStorage)
	h.storage.On("Fetch", mock.Anything, "uploads/llama.bin", mock.Anything).
		Run(func(args mock.Arguments) { <-args.Get(0).(context.Context).Done() }).
		Return("", context.DeadlineExceeded)
	j := h.seed(t, 1000, queue.TierNormal)

	eng := engineFunc(func(ctx context.Context, req engine.Request) (engine.Result, error) {
		return engine.Result{OutputPath: "out", OutputSizeBytes: 10}, nil
	})

	h.runUntil(t, h.pool(eng, worker.WithJobTimeout(50*time.Millisecond)), j.ID)

	got := h.get(t, j.ID)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "timeout")
}

func TestPool_RequeuesAfterTransientClaimError(t *testing.T) {
	h := newHarness(t)
	h.withRepo(&claimFaultRepo{MemoryRepo: h.repo})
	j := h.seed(t, 1000, queue.TierHigh)

	eng := engineFunc(func(ctx context.Context, req engine.Request) (engine.Result, error) {
		return engine.Result{OutputPath: "out", OutputSizeBytes: 10}, nil
	})

	h.runUntil(t, h.pool(eng), j.ID)

	assert.Equal(t, job.StatusCompleted, h.get(t, j.ID).Status)
	n, err := h.queue.Size(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, h.inflight.Len())
}

func TestPool_PanicWhileClaimingFailsJob(t *testing.T) {
	h := newHarness(t)
	h.withRepo(&claimFaultRepo{MemoryRepo: h.repo, panics: true})
	first := h.seed(t, 1000, queue.TierNormal)
	second := h.seed(t, 1000, queue.TierNormal)

	eng := engineFunc(func(ctx context.Context, req engine.Request) (engine.Result, error) {
		return engine.Result{OutputPath: "out", OutputSizeBytes: 10}, nil
	})

	h.runUntil(t, h.pool(eng, worker.WithMaxConcurrent(1)), first.ID, second.ID)

	got := h.get(t, first.ID)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "internal error: driver bug")
	assert.Equal(t, job.StatusCompleted, h.get(t, second.ID).Status)
	h.notifier.AssertCalled(t, "Notify", mock.Anything, "owner-1", notify.EventJobFailed, mock.Anything)
	assert.Zero(t, h.inflight.Len())
}

func TestPool_NotificationFailureDoesNotAffectJob(t *testing.T) {
	h := newHarness(t)
	h.notifier = new(MockNotifier)
	h.notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("nsq down"))
	j := h.seed(t, 1000, queue.TierNormal)

	eng := engineFunc(func(ctx context.Context, req engine.Request) (engine.Result, error) {
		return engine.Result{OutputPath: "out", OutputSizeBytes: 400}, nil
	})

	h.runUntil(t, h.pool(eng), j.ID)

	assert.Equal(t, job.StatusCompleted, h.get(t, j.ID).Status)
	h.notifier.AssertNumberOfCalls(t, "Notify", 1)
}

func TestPool_SkipsCancelledJob(t *testing.T) {
	h := newHarness(t)
	cancelled := h.seed(t, 1000, queue.TierNormal)
	require.NoError(t, h.svc.Cancel(context.Background(), cancelled.ID))
	// A stale queue entry survives the cancel.
	require.NoError(t, h.queue.Enqueue(context.Background(), cancelled.ID, queue.TierNormal))
	next := h.seed(t, 1000, queue.TierNormal)

	var seen sync.Map
	eng := engineFunc(func(ctx context.Context, req engine.Request) (engine.Result, error) {
		seen.Store(req.JobID, true)
		return engine.Result{OutputPath: "out", OutputSizeBytes: 10}, nil
	})

	h.runUntil(t, h.pool(eng), cancelled.ID, next.ID)

	assert.Equal(t, job.StatusCancelled, h.get(t, cancelled.ID).Status)
	assert.Equal(t, job.StatusCompleted, h.get(t, next.ID).Status)
	_, ran := seen.Load(cancelled.ID)
	assert.False(t, ran)
}

func TestPool_ConcurrencyBound(t *testing.T) {
	h := newHarness(t)
	var ids []string
	for range 8 {
		ids = append(ids, h.seed(t, 1000, queue.TierLow).ID)
	}

	var running, peak atomic.Int32
	eng := engineFunc(func(ctx context.Context, req engine.Request) (engine.Result, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return engine.Result{OutputPath: "out", OutputSizeBytes: 10}, nil
	})

	h.runUntil(t, h.pool(eng, worker.WithMaxConcurrent(2)), ids...)

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load(), "expected the pool to use both slots")
	counts, err := h.repo.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, counts[job.StatusCompleted])
}

func TestPool_HigherTierFirst(t *testing.T) {
	h := newHarness(t)
	low := h.seed(t, 1000, queue.TierLow)
	high := h.seed(t, 1000, queue.TierHigh)

	var mu sync.Mutex
	var order []string
	eng := engineFunc(func(ctx context.Context, req engine.Request) (engine.Result, error) {
		mu.Lock()
		order = append(order, req.JobID)
		mu.Unlock()
		return engine.Result{OutputPath: "out", OutputSizeBytes: 10}, nil
	})

	h.runUntil(t, h.pool(eng, worker.WithMaxConcurrent(1)), low.ID, high.ID)

	assert.Equal(t, []string{high.ID, low.ID}, order)
}

func TestNewPool_ClampsConcurrency(t *testing.T) {
	h := newHarness(t)
	j := h.seed(t, 1000, queue.TierNormal)
	eng := engineFunc(func(ctx context.Context, req engine.Request) (engine.Result, error) {
		return engine.Result{OutputPath: "out", OutputSizeBytes: 10}, nil
	})

	h.runUntil(t, h.pool(eng, worker.WithMaxConcurrent(0)), j.ID)

	assert.Equal(t, job.StatusCompleted, h.get(t, j.ID).Status)
}
