package pki_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ovpnca/pki"
	"github.com/jmcleod/ovpnca/storage"
)

type countingRecorder struct {
	started, finished int
	failed            int
}

func (r *countingRecorder) CertificateIssued(storage.Kind)  {}
func (r *countingRecorder) CertificateRevoked(storage.Kind) {}
func (r *countingRecorder) CRLGenerated(int64)              {}
func (r *countingRecorder) OperationStarted(string)         { r.started++ }
func (r *countingRecorder) OperationFinished(_ string, _ time.Duration, err error) {
	r.finished++
	if err != nil {
		r.failed++
	}
}

func TestTracker(t *testing.T) {
	rec := &countingRecorder{}
	tracker := pki.NewTracker(nil, rec)

	release := make(chan struct{})
	f := pki.Go(tracker, t.Context(), "issue", "user/1", func(ctx context.Context) (int, error) {
		<-release
		return 7, nil
	})

	active := tracker.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "issue", active[0].Name)
	assert.Equal(t, "user/1", active[0].Target)
	assert.Equal(t, f.Info().ID, active[0].ID)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "giving up on the wait leaves the operation running")

	close(release)
	v, err := f.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	tracker.Wait()
	assert.Empty(t, tracker.Active())
	assert.Equal(t, 1, rec.started)
	assert.Equal(t, 1, rec.finished)
}

func TestTrackerCancel(t *testing.T) {
	rec := &countingRecorder{}
	tracker := pki.NewTracker(nil, rec)

	f := pki.Go(tracker, t.Context(), "renew", "certificate 1", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	f.Cancel()
	<-f.Done()

	_, err := f.Wait(t.Context())
	assert.ErrorIs(t, err, context.Canceled)
	tracker.Wait()
	assert.Equal(t, 1, rec.failed)
}

func TestTrackerDetachesFromCallerContext(t *testing.T) {
	tracker := pki.NewTracker(nil, nil)
	parent, cancel := context.WithCancel(t.Context())

	started := make(chan struct{})
	f := pki.Go(tracker, parent, "crl", "current", func(ctx context.Context) (bool, error) {
		close(started)
		time.Sleep(20 * time.Millisecond)
		return ctx.Err() == nil, nil
	})
	<-started
	cancel()

	alive, err := f.Wait(t.Context())
	require.NoError(t, err)
	assert.True(t, alive)
}

func TestAsyncOperations(t *testing.T) {
	e := newEnv(t)
	e.initRoot(t)
	alice := e.addUser(t, "alice")
	ctx := t.Context()

	id, err := e.ca.IssueAsync(ctx, pki.IssueRequest{Kind: storage.KindClient, Owner: alice.Ref()}).Wait(ctx)
	require.NoError(t, err)

	crl, err := e.ca.RevokeAsync(ctx, id).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), crl.Number)

	crl, err = e.ca.ReEnableAsync(ctx, id).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), crl.Number)

	newID, err := e.ca.RenewAsync(ctx, id).Wait(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)

	crl, err = e.ca.RegenerateCRLAsync(ctx).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), crl.Number)

	_, err = e.ca.RevokeAsync(ctx, 99).Wait(ctx)
	assert.True(t, errors.Is(err, pki.ErrCertNotFound))

	require.NoError(t, e.ca.Close())
	assert.Empty(t, e.ca.Tracker().Active())
}
