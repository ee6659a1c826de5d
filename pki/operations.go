package pki

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/ovpnca/internal/uuid"
	"github.com/jmcleod/ovpnca/storage"
)

// OperationInfo describes one in-flight background operation.
type OperationInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Target    string    `json:"target"`
	StartedAt time.Time `json:"started_at"`
}

// Future is the handle for a background operation.
type Future[T any] struct {
	info   OperationInfo
	done   chan struct{}
	cancel context.CancelFunc
	val    T
	err    error
}

// Info describes the operation.
func (f *Future[T]) Info() OperationInfo {
	return f.info
}

// Done is closed when the operation has finished.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Cancel asks the operation to stop at its next step boundary. A primitive
// call or write already in progress runs to completion.
func (f *Future[T]) Cancel() {
	f.cancel()
}

// Wait blocks until the operation finishes or ctx is done. Giving up on
// the wait does not cancel the operation.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Tracker runs operations in goroutines and lists the ones in flight. It
// never serialises operations.
type Tracker struct {
	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time

	mu     sync.Mutex
	active map[string]OperationInfo
	wg     sync.WaitGroup
}

// NewTracker returns an empty tracker. Nil arguments get no-op defaults.
func NewTracker(logger *zap.Logger, recorder Recorder) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Tracker{
		logger:   logger,
		recorder: recorder,
		now:      time.Now,
		active:   make(map[string]OperationInfo),
	}
}

// Active returns the in-flight operations, oldest first.
func (t *Tracker) Active() []OperationInfo {
	t.mu.Lock()
	out := make([]OperationInfo, 0, len(t.active))
	for _, info := range t.active {
		out = append(out, info)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Wait blocks until every started operation has finished.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// Go runs fn in a new goroutine tracked by t. The operation keeps the
// values of ctx but not its cancellation; use Future.Cancel to stop it.
func Go[T any](t *Tracker, ctx context.Context, name, target string, fn func(context.Context) (T, error)) *Future[T] {
	opCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := &Future[T]{
		info: OperationInfo{
			ID:        uuid.New(),
			Name:      name,
			Target:    target,
			StartedAt: t.now(),
		},
		done:   make(chan struct{}),
		cancel: cancel,
	}

	t.mu.Lock()
	t.active[f.info.ID] = f.info
	t.mu.Unlock()
	t.wg.Add(1)
	t.recorder.OperationStarted(name)

	go func() {
		defer t.wg.Done()
		defer cancel()

		start := time.Now()
		f.val, f.err = fn(opCtx)
		elapsed := time.Since(start)

		t.mu.Lock()
		delete(t.active, f.info.ID)
		t.mu.Unlock()
		t.recorder.OperationFinished(name, elapsed, f.err)

		if f.err != nil {
			t.logger.Warn("Operation failed",
				zap.String("operation", name), zap.String("target", target),
				zap.Duration("elapsed", elapsed), zap.Error(f.err))
		} else {
			t.logger.Debug("Operation finished",
				zap.String("operation", name), zap.String("target", target),
				zap.Duration("elapsed", elapsed))
		}
		close(f.done)
	}()
	return f
}

// IssueAsync runs Issue in the background.
func (c *CA) IssueAsync(ctx context.Context, req IssueRequest) *Future[int64] {
	return Go(c.tracker, ctx, "issue", fmt.Sprintf("%s for %s", req.Kind, req.Owner), func(ctx context.Context) (int64, error) {
		return c.Issue(ctx, req)
	})
}

// RevokeAsync runs Revoke in the background.
func (c *CA) RevokeAsync(ctx context.Context, id int64) *Future[*storage.CRL] {
	return Go(c.tracker, ctx, "revoke", certTarget(id), func(ctx context.Context) (*storage.CRL, error) {
		return c.Revoke(ctx, id)
	})
}

// ReEnableAsync runs ReEnable in the background.
func (c *CA) ReEnableAsync(ctx context.Context, id int64) *Future[*storage.CRL] {
	return Go(c.tracker, ctx, "reenable", certTarget(id), func(ctx context.Context) (*storage.CRL, error) {
		return c.ReEnable(ctx, id)
	})
}

// RenewAsync runs Renew in the background.
func (c *CA) RenewAsync(ctx context.Context, id int64) *Future[int64] {
	return Go(c.tracker, ctx, "renew", certTarget(id), func(ctx context.Context) (int64, error) {
		return c.Renew(ctx, id)
	})
}

// RegenerateCRLAsync runs RegenerateCRL in the background.
func (c *CA) RegenerateCRLAsync(ctx context.Context) *Future[*storage.CRL] {
	return Go(c.tracker, ctx, "crl", "current", c.RegenerateCRL)
}

func certTarget(id int64) string {
	return fmt.Sprintf("certificate %d", id)
}
