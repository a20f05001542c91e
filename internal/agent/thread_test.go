package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/plutoview/portfolio-agent/internal/checkpoint"
)

// countingStore records every store access so tests can assert that
// authorization failures never touch storage.
type countingStore struct {
	mu      sync.Mutex
	calls   atomic.Int64
	latest  map[string]*checkpoint.Checkpoint
	history map[string][]*checkpoint.Checkpoint
}

func newCountingStore() *countingStore {
	return &countingStore{
		latest:  map[string]*checkpoint.Checkpoint{},
		history: map[string][]*checkpoint.Checkpoint{},
	}
}

func (s *countingStore) LoadLatest(ctx context.Context, threadID, namespace string) (*checkpoint.Checkpoint, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest[threadID], nil
}

func (s *countingStore) Append(ctx context.Context, req checkpoint.AppendRequest) (*checkpoint.Checkpoint, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.latest[req.ThreadID]
	curID := ""
	if cur != nil {
		curID = cur.CheckpointID
	}
	if req.ParentCheckpointID != curID {
		return nil, checkpoint.ErrConflict
	}
	cp := &checkpoint.Checkpoint{
		ThreadID:           req.ThreadID,
		CheckpointID:       checkpoint.NewCheckpointID(),
		ParentCheckpointID: req.ParentCheckpointID,
		Type:               req.Type,
		Channels:           req.Channels,
		Metadata:           req.Metadata,
	}
	s.latest[req.ThreadID] = cp
	s.history[req.ThreadID] = append(s.history[req.ThreadID], cp)
	return cp, nil
}

func (s *countingStore) PutWrites(ctx context.Context, threadID, namespace, checkpointID string, writes []checkpoint.PendingWrite) error {
	s.calls.Add(1)
	return nil
}

func TestParseThreadID(t *testing.T) {
	t.Parallel()

	accountID, threadID, err := ParseThreadID("account_acct-1_thread_th-9")
	if err != nil {
		t.Fatalf("ParseThreadID: %v", err)
	}
	if accountID != "acct-1" || threadID != "th-9" {
		t.Fatalf("got %q/%q", accountID, threadID)
	}

	// Account ids may themselves contain underscores.
	accountID, threadID, err = ParseThreadID("account_org_42_thread_abc")
	if err != nil {
		t.Fatalf("ParseThreadID: %v", err)
	}
	if accountID != "org_42" || threadID != "abc" {
		t.Fatalf("got %q/%q", accountID, threadID)
	}

	for _, raw := range []string{"", "thread_abc", "account__thread_abc", "account_a_thread_", "account_a", "acct_a_thread_b"} {
		if _, _, err := ParseThreadID(raw); err == nil {
			t.Fatalf("ParseThreadID(%q) succeeded, want error", raw)
		}
	}
}

func TestResolveRejectsForeignThreadBeforeStoreAccess(t *testing.T) {
	t.Parallel()

	store := newCountingStore()
	mgr := NewThreadManager(store)
	defer mgr.Close()

	_, err := mgr.Resolve("account_other_thread_t1", "acct-1")
	var authErr *AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want AuthorizationError", err)
	}
	if authErr.AccountID != "acct-1" || authErr.RawThreadID != "account_other_thread_t1" {
		t.Fatalf("unexpected error payload: %+v", authErr)
	}
	if got := store.calls.Load(); got != 0 {
		t.Fatalf("store was touched %d times during an authorization failure", got)
	}

	// Malformed ids are rejected the same way, without a store read.
	if _, err := mgr.Resolve("not-a-thread-id", "acct-1"); err == nil {
		t.Fatal("expected error for malformed thread id")
	}
	if got := store.calls.Load(); got != 0 {
		t.Fatalf("store was touched %d times for a malformed id", got)
	}
}

func TestThreadHandleRunSerializesSameThread(t *testing.T) {
	t.Parallel()

	mgr := NewThreadManager(newCountingStore())
	defer mgr.Close()

	handle, err := mgr.Resolve(FormatThreadID("acct-1", "t1"), "acct-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	var active atomic.Int64
	var maxActive atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := handle.Run(context.Background(), func(ctx context.Context) error {
				cur := active.Add(1)
				for {
					old := maxActive.Load()
					if cur <= old || maxActive.CompareAndSwap(old, cur) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				active.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := maxActive.Load(); got != 1 {
		t.Fatalf("observed %d overlapping turns on one thread, want 1", got)
	}
}

func TestThreadHandleRunDifferentThreadsOverlap(t *testing.T) {
	t.Parallel()

	mgr := NewThreadManager(newCountingStore())
	defer mgr.Close()

	release := make(chan struct{})
	started := make(chan struct{}, 2)

	var wg sync.WaitGroup
	for _, tid := range []string{"t1", "t2"} {
		handle, err := mgr.Resolve(FormatThreadID("acct-1", tid), "acct-1")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = handle.Run(context.Background(), func(ctx context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}

	// Both threads must be running at once before either is released.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("threads did not run concurrently")
		}
	}
	close(release)
	wg.Wait()
}

func TestThreadHandleRunCancelledContext(t *testing.T) {
	t.Parallel()

	mgr := NewThreadManager(newCountingStore())
	defer mgr.Close()

	handle, err := mgr.Resolve(FormatThreadID("acct-1", "t1"), "acct-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	err = handle.Run(ctx, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if ran {
		t.Fatal("fn ran despite cancelled context")
	}
}
