package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plutoview/portfolio-agent/internal/checkpoint"
)

const (
	threadIDAccountPrefix = "account_"
	threadIDSeparator     = "_thread_"

	// DefaultNamespace is the checkpoint namespace for primary-turn chains.
	DefaultNamespace = ""
)

// CheckpointStore is the slice of the checkpoint store the agent needs.
// *checkpoint.Store satisfies it.
type CheckpointStore interface {
	LoadLatest(ctx context.Context, threadID string, namespace string) (*checkpoint.Checkpoint, error)
	Append(ctx context.Context, req checkpoint.AppendRequest) (*checkpoint.Checkpoint, error)
	PutWrites(ctx context.Context, threadID string, namespace string, checkpointID string, writes []checkpoint.PendingWrite) error
}

// ParseThreadID splits a namespaced thread id of the form
// account_<accountId>_thread_<threadId> into its two components.
func ParseThreadID(raw string) (accountID string, threadID string, err error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, threadIDAccountPrefix) {
		return "", "", fmt.Errorf("malformed thread id %q", raw)
	}
	rest := strings.TrimPrefix(raw, threadIDAccountPrefix)
	accountID, threadID, found := strings.Cut(rest, threadIDSeparator)
	if !found || accountID == "" || threadID == "" {
		return "", "", fmt.Errorf("malformed thread id %q", raw)
	}
	return accountID, threadID, nil
}

// FormatThreadID builds the namespaced thread id for an account.
func FormatThreadID(accountID, threadID string) string {
	return threadIDAccountPrefix + accountID + threadIDSeparator + threadID
}

// NewThreadID mints a namespaced thread id for the account.
func NewThreadID(accountID string) string {
	return FormatThreadID(accountID, uuid.NewString())
}

// ThreadManager hands out per-thread handles whose turns are serialized by a
// lightweight actor. Actors are created on demand and shut down after an
// idle period.
type ThreadManager struct {
	store     CheckpointStore
	idleAfter time.Duration

	mu     sync.Mutex
	actors map[string]*threadActor
	closed bool
}

func NewThreadManager(store CheckpointStore) *ThreadManager {
	return &ThreadManager{
		store:     store,
		idleAfter: 10 * time.Minute,
		actors:    map[string]*threadActor{},
	}
}

// Resolve validates the namespaced thread id against the authenticated
// account and returns a handle. Authorization is checked before the store is
// touched in any way; a mismatch never reveals whether the thread exists.
func (m *ThreadManager) Resolve(rawThreadID, accountID string) (*ThreadHandle, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, errors.New("account id is required")
	}
	owner, _, err := ParseThreadID(rawThreadID)
	if err != nil {
		return nil, err
	}
	if owner != accountID {
		return nil, &AuthorizationError{RawThreadID: rawThreadID, AccountID: accountID}
	}
	return &ThreadHandle{
		mgr:       m,
		threadID:  strings.TrimSpace(rawThreadID),
		accountID: accountID,
	}, nil
}

func (m *ThreadManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	actors := make([]*threadActor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.actors = map[string]*threadActor{}
	m.mu.Unlock()

	for _, a := range actors {
		a.stop()
		<-a.doneCh
	}
}

func (m *ThreadManager) actorFor(threadID string) (*threadActor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("thread manager closed")
	}
	if a, ok := m.actors[threadID]; ok && a.alive() {
		return a, nil
	}
	a := newThreadActor(m, threadID)
	m.actors[threadID] = a
	go a.loop(m.idleAfter)
	return a, nil
}

func (m *ThreadManager) remove(threadID string, a *threadActor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.actors[threadID]; ok && cur == a {
		delete(m.actors, threadID)
	}
}

// ThreadHandle is the serialized entry point for one thread. All checkpoint
// access for a turn happens inside Run, which the actor executes one at a
// time per thread.
type ThreadHandle struct {
	mgr       *ThreadManager
	threadID  string
	accountID string
}

func (h *ThreadHandle) ThreadID() string  { return h.threadID }
func (h *ThreadHandle) AccountID() string { return h.accountID }

// Run executes fn on the thread's actor. Turns for the same thread never
// overlap; turns for different threads proceed independently.
func (h *ThreadHandle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		a, err := h.mgr.actorFor(h.threadID)
		if err != nil {
			return err
		}
		done, err := a.submit(ctx, fn)
		if err != nil {
			if errors.Is(err, errActorStopped) {
				// Raced with idle shutdown; a fresh actor will take it.
				continue
			}
			return err
		}
		select {
		case err := <-done:
			if errors.Is(err, errActorStopped) {
				continue
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// LoadLatest reads the thread's newest checkpoint, nil when the chain is
// empty.
func (h *ThreadHandle) LoadLatest(ctx context.Context) (*checkpoint.Checkpoint, error) {
	return h.mgr.store.LoadLatest(ctx, h.threadID, DefaultNamespace)
}

// Commit appends the turn's checkpoint with optimistic parent checking.
func (h *ThreadHandle) Commit(ctx context.Context, req checkpoint.AppendRequest) (*checkpoint.Checkpoint, error) {
	req.ThreadID = h.threadID
	req.Namespace = DefaultNamespace
	return h.mgr.store.Append(ctx, req)
}

// StageWrites records in-progress tool results against the checkpoint the
// turn is building upon.
func (h *ThreadHandle) StageWrites(ctx context.Context, checkpointID string, writes []checkpoint.PendingWrite) error {
	return h.mgr.store.PutWrites(ctx, h.threadID, DefaultNamespace, checkpointID, writes)
}

var errActorStopped = errors.New("thread actor stopped")

type runTask struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

type threadActor struct {
	mgr      *ThreadManager
	threadID string
	inbox    chan runTask
	stopCh   chan struct{}
	doneCh   chan struct{}
	once     sync.Once
}

func newThreadActor(mgr *ThreadManager, threadID string) *threadActor {
	return &threadActor{
		mgr:      mgr,
		threadID: threadID,
		inbox:    make(chan runTask, 16),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (a *threadActor) alive() bool {
	select {
	case <-a.doneCh:
		return false
	default:
		return true
	}
}

func (a *threadActor) stop() {
	a.once.Do(func() { close(a.stopCh) })
}

func (a *threadActor) submit(ctx context.Context, fn func(ctx context.Context) error) (<-chan error, error) {
	task := runTask{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case <-a.doneCh:
		return nil, errActorStopped
	case <-a.stopCh:
		return nil, errActorStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	case a.inbox <- task:
		return task.done, nil
	}
}

func (a *threadActor) loop(idleAfter time.Duration) {
	defer func() {
		a.mgr.remove(a.threadID, a)
		close(a.doneCh)
	}()

	idle := time.NewTimer(idleAfter)
	defer idle.Stop()

	for {
		select {
		case <-a.stopCh:
			a.drain()
			return
		case <-idle.C:
			a.stop()
			a.drain()
			return
		case task := <-a.inbox:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			a.execute(task)
			idle.Reset(idleAfter)
		}
	}
}

func (a *threadActor) execute(task runTask) {
	if err := task.ctx.Err(); err != nil {
		task.done <- err
		return
	}
	task.done <- task.fn(task.ctx)
}

func (a *threadActor) drain() {
	for {
		select {
		case task := <-a.inbox:
			task.done <- errActorStopped
		default:
			return
		}
	}
}
