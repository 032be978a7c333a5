package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"shelfsync/internal/sessionstate"
	"shelfsync/internal/syncer"
	"shelfsync/pkg/types"
)

// ErrMaxConcurrency signals that the global concurrency limit has been reached.
var ErrMaxConcurrency = errors.New("maximum concurrent syncs reached")

// OrchestratorFactory returns a fresh orchestrator for each run.
type OrchestratorFactory func() *syncer.Orchestrator

// SessionManager starts sync runs, bounds how many run at once and keeps a
// snapshot of each run in a sessionstate.Store.
type SessionManager struct {
	newOrchestrator OrchestratorFactory
	snapshots       sessionstate.Store
	logger          *slog.Logger
	rootCtx         context.Context

	mu             sync.RWMutex
	runs           map[string]*Run
	maxConcurrency int
	running        int
}

// NewSessionManager constructs a manager. Runs are cancelled when rootCtx is.
func NewSessionManager(rootCtx context.Context, factory OrchestratorFactory, snapshots sessionstate.Store, maxConcurrency int, logger *slog.Logger) *SessionManager {
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	if snapshots == nil {
		snapshots = sessionstate.NewMemoryStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		newOrchestrator: factory,
		snapshots:       snapshots,
		logger:          logger,
		rootCtx:         rootCtx,
		runs:            make(map[string]*Run),
		maxConcurrency:  maxConcurrency,
	}
}

// StartRun launches a sync. The caller must drain Run.Events or call
// Run.Abandon.
func (m *SessionManager) StartRun(req SyncRequest) (*Run, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.ProfileID = strings.TrimSpace(req.ProfileID)
	if req.UserID == "" {
		return nil, errors.New("user_id is required")
	}
	if req.ProfileID == "" {
		return nil, errors.New("source_profile_id is required")
	}

	m.mu.Lock()
	if m.running >= m.maxConcurrency {
		m.mu.Unlock()
		return nil, ErrMaxConcurrency
	}
	m.running++
	m.mu.Unlock()

	run := newRun(m, req)
	m.mu.Lock()
	m.runs[run.id] = run
	m.mu.Unlock()

	run.start(m.rootCtx, m.newOrchestrator())
	return run, nil
}

// ListRuns returns stored run snapshots, newest first.
func (m *SessionManager) ListRuns(ctx context.Context) ([]RunSummary, error) {
	snaps, err := m.snapshots.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	sessionstate.SortNewestFirst(snaps)
	return snaps, nil
}

// GetRun returns the latest snapshot of a run.
func (m *SessionManager) GetRun(ctx context.Context, id string) (RunSummary, bool, error) {
	if run, ok := m.activeRun(id); ok {
		return run.Snapshot(), true, nil
	}
	return m.snapshots.Get(ctx, id)
}

// CancelRun requests cancellation of an active run.
func (m *SessionManager) CancelRun(id string) error {
	run, ok := m.activeRun(id)
	if !ok {
		return fmt.Errorf("run %q not running", id)
	}
	if !run.Cancel() {
		return fmt.Errorf("run %q not running", id)
	}
	return nil
}

// Running reports the number of active runs.
func (m *SessionManager) Running() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Shutdown cancels every active run and waits for them to finish or for ctx
// to end.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	active := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		active = append(active, r)
	}
	m.mu.RUnlock()

	for _, r := range active {
		r.Cancel()
	}
	for _, r := range active {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *SessionManager) activeRun(id string) (*Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[strings.TrimSpace(id)]
	return r, ok
}

func (m *SessionManager) notifyCompletion(run *Run) {
	m.mu.Lock()
	delete(m.runs, run.id)
	if m.running > 0 {
		m.running--
	}
	m.mu.Unlock()
}

func (m *SessionManager) save(snap RunSummary) {
	if err := m.snapshots.Save(context.Background(), snap); err != nil {
		m.logger.Warn("save run snapshot failed", "run_id", snap.RunID, "error", err)
	}
}

// Run is one sync in flight. Its event stream is relayed from the
// orchestrator's Progress so the snapshot follows every event.
type Run struct {
	id      string
	req     SyncRequest
	manager *SessionManager

	progress *syncer.Progress
	out      chan types.ProgressEvent
	gone     chan struct{}
	goneOnce sync.Once
	done     chan struct{}

	mu       sync.Mutex
	snap     RunSummary
	cancel   context.CancelFunc
	finished bool
}

func newRun(m *SessionManager, req SyncRequest) *Run {
	now := time.Now().UTC()
	return &Run{
		id:       uuid.NewString(),
		req:      req,
		manager:  m,
		progress: syncer.NewProgress(16),
		out:      make(chan types.ProgressEvent),
		gone:     make(chan struct{}),
		done:     make(chan struct{}),
		snap: RunSummary{
			UserID:    req.UserID,
			ProfileID: req.ProfileID,
			Status:    string(RunStatusRunning),
			State:     string(syncer.StateIdle),
			StartedAt: now,
			UpdatedAt: now,
		},
	}
}

// ID is the run identifier.
func (r *Run) ID() string { return r.id }

// Events yields the run's progress events and is closed after the terminal
// one.
func (r *Run) Events() <-chan types.ProgressEvent { return r.out }

// Done is closed once the run has finished and its snapshot is final.
func (r *Run) Done() <-chan struct{} { return r.done }

func (r *Run) start(parent context.Context, orch *syncer.Orchestrator) {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	r.snap.RunID = r.id
	r.cancel = cancel
	snap := r.snap
	r.mu.Unlock()
	r.manager.save(snap)

	relayed := make(chan struct{})
	go func() {
		defer close(relayed)
		defer close(r.out)
		for ev := range r.progress.Events() {
			r.observe(ev)
			select {
			case r.out <- ev:
			case <-r.gone:
			}
		}
	}()

	go func() {
		defer cancel()
		_, err := orch.Run(ctx, r.req, r.progress)
		<-relayed
		r.finish(err)
	}()
}

func (r *Run) observe(ev types.ProgressEvent) {
	r.mu.Lock()
	r.snap.UpdatedAt = time.Now().UTC()
	if ev.Stage != "" {
		r.snap.State = string(ev.Stage)
	}
	if ev.Shelf != "" {
		r.snap.Shelf = ev.Shelf
	}
	r.snap.Current, r.snap.Total = ev.Current, ev.Total
	if ev.Message != "" {
		r.snap.Message = ev.Message
	}
	if ev.Error != "" {
		r.snap.Error = ev.Error
	}
	r.mu.Unlock()
}

func (r *Run) finish(err error) {
	now := time.Now().UTC()
	r.mu.Lock()
	status := RunStatusCompleted
	switch {
	case errors.Is(err, syncer.ErrCancelled), errors.Is(err, context.Canceled):
		status = RunStatusCancelled
	case err != nil:
		status = RunStatusFailed
	}
	r.snap.Status = string(status)
	r.snap.FinishedAt = now
	r.snap.UpdatedAt = now
	r.cancel = nil
	r.finished = true
	snap := r.snap
	r.mu.Unlock()

	r.manager.save(snap)
	r.manager.logger.Info("sync run finished", "run_id", r.id, "user_id", snap.UserID, "status", snap.Status)
	r.manager.notifyCompletion(r)
	close(r.done)
}

// Abandon is called when the consumer goes away. The run is cancelled and
// the rest of its events are discarded.
func (r *Run) Abandon() {
	r.goneOnce.Do(func() { close(r.gone) })
	r.progress.Abandon()
	r.Cancel()
}

// Cancel stops the run. What was gathered is still persisted.
func (r *Run) Cancel() bool {
	r.mu.Lock()
	if r.finished || r.cancel == nil {
		r.mu.Unlock()
		return false
	}
	r.snap.Status = string(RunStatusCancelling)
	cancel := r.cancel
	r.mu.Unlock()
	cancel()
	return true
}

// Snapshot returns a copy of the run state.
func (r *Run) Snapshot() RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}
