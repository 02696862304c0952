package syncer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cofretracker/cofre_tracker/internal/logging"
	"github.com/cofretracker/cofre_tracker/internal/scanqueue"
	"github.com/cofretracker/cofre_tracker/internal/store/memstore"
)

type scan struct {
	IMEI string `json:"imei"`
}

func quietLogger() *logging.Logger {
	l := logging.New("syncer-test")
	l.SetOutput(io.Discard)
	return l
}

func newQueue(t *testing.T) *scanqueue.Queue[scan] {
	t.Helper()
	st := memstore.New()
	t.Cleanup(func() { st.Close() })
	return scanqueue.New[scan](st, scanqueue.WithLogger(quietLogger()))
}

// backend answers health probes with the status held in code.
func backend(t *testing.T, code *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(code.Load()))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestComputeDelay(t *testing.T) {
	schedule := []time.Duration{time.Second, 10 * time.Second, time.Minute}

	tests := []struct {
		name   string
		streak int
		want   time.Duration
	}{
		{name: "zero streak uses first slot", streak: 0, want: time.Second},
		{name: "first failure", streak: 1, want: time.Second},
		{name: "second failure", streak: 2, want: 10 * time.Second},
		{name: "past the end stays on last slot", streak: 9, want: time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, computeDelay(tt.streak, schedule, 0))
		})
	}

	for i := 0; i < 50; i++ {
		d := computeDelay(2, schedule, 0.2)
		assert.GreaterOrEqual(t, d, 8*time.Second)
		assert.LessOrEqual(t, d, 12*time.Second)
	}
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(newQueue(t), func(context.Context, scan) error { return nil }, Options{
		Schedule: "every now and then",
		Logger:   quietLogger(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid sync schedule")
}

func TestRunNow_RecordsStatus(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	_, err := q.Enqueue(ctx, "audit-1", scan{IMEI: "1"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "audit-1", scan{IMEI: "2"})
	require.NoError(t, err)

	deliver := func(_ context.Context, s scan) error {
		if s.IMEI == "2" {
			return errors.New("503")
		}
		return nil
	}
	r, err := New(q, deliver, Options{Logger: quietLogger()})
	require.NoError(t, err)

	res := r.RunNow(ctx)
	assert.Equal(t, scanqueue.Result{Success: 1, Failed: 1, Total: 2}, res)

	st, err := r.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Online)
	assert.False(t, st.Syncing)
	assert.Equal(t, 1, st.Pending)
	require.NotNil(t, st.LastResult)
	assert.Equal(t, res, *st.LastResult)
	assert.NotNil(t, st.LastRunAt)
	assert.Nil(t, st.NextRunAt)
}

func TestRunner_FollowUpAfterFailure(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	_, err := q.Enqueue(ctx, "audit-1", scan{IMEI: "1"})
	require.NoError(t, err)

	var calls atomic.Int32
	deliver := func(context.Context, scan) error {
		if calls.Add(1) == 1 {
			return errors.New("temporarily unavailable")
		}
		return nil
	}
	r, err := New(q, deliver, Options{
		RetrySchedule: []time.Duration{10 * time.Millisecond},
		Logger:        quietLogger(),
	})
	require.NoError(t, err)
	r.Start(ctx)
	defer r.Stop()

	res := r.RunNow(ctx)
	require.Equal(t, 1, res.Failed)

	require.Eventually(t, func() bool {
		n, err := q.PendingCount(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRunner_StopWaitsForRunInProgress(t *testing.T) {
	q := newQueue(t)
	_, err := q.Enqueue(context.Background(), "audit-1", scan{IMEI: "1"})
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	var deliverErr atomic.Value
	r, err := New(q, func(ctx context.Context, _ scan) error {
		close(started)
		<-release
		if ctx.Err() != nil {
			deliverErr.Store(ctx.Err())
		}
		return ctx.Err()
	}, Options{Logger: quietLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	r.Trigger()
	<-started

	// Shutdown signal arrives mid-run.
	cancel()
	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the run finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-stopped

	assert.Nil(t, deliverErr.Load(), "run context was cancelled")
	n, err := q.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunner_StopCancelsRunAfterGrace(t *testing.T) {
	q := newQueue(t)
	_, err := q.Enqueue(context.Background(), "audit-1", scan{IMEI: "1"})
	require.NoError(t, err)

	started := make(chan struct{})
	r, err := New(q, func(ctx context.Context, _ scan) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, Options{StopGrace: 20 * time.Millisecond, Logger: quietLogger()})
	require.NoError(t, err)

	r.Start(context.Background())
	r.Trigger()
	<-started
	r.Stop()

	items, err := q.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Zero(t, items[0].RetryCount, "a cancelled delivery is not an attempt")
}

func TestRunner_SkipsTriggeredRunWhileOffline(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	_, err := q.Enqueue(ctx, "audit-1", scan{IMEI: "1"})
	require.NoError(t, err)

	var code atomic.Int32
	code.Store(http.StatusServiceUnavailable)
	srv := backend(t, &code)

	var calls atomic.Int32
	r, err := New(q, func(context.Context, scan) error {
		calls.Add(1)
		return nil
	}, Options{HealthURL: srv.URL, ProbeInterval: time.Hour, Logger: quietLogger()})
	require.NoError(t, err)

	require.False(t, r.prober.Check(ctx))
	r.background(ctx)
	assert.Zero(t, calls.Load(), "deliver must not run while offline")

	st, err := r.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Online)
	assert.Equal(t, 1, st.Pending)

	// Manual runs ignore the probe.
	res := r.RunNow(ctx)
	assert.Equal(t, 1, res.Success)
}

func TestRunner_SyncsWhenBackendReturns(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	_, err := q.Enqueue(ctx, "audit-1", scan{IMEI: "1"})
	require.NoError(t, err)

	var code atomic.Int32
	code.Store(http.StatusBadGateway)
	srv := backend(t, &code)

	r, err := New(q, func(context.Context, scan) error { return nil }, Options{
		HealthURL:     srv.URL,
		ProbeInterval: 20 * time.Millisecond,
		Logger:        quietLogger(),
	})
	require.NoError(t, err)
	r.Start(ctx)
	defer r.Stop()

	require.Eventually(t, func() bool { return !r.prober.Online() }, time.Second, 5*time.Millisecond)
	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	code.Store(http.StatusOK)
	require.Eventually(t, func() bool {
		n, err := q.PendingCount(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatus_NextRunFromSchedule(t *testing.T) {
	r, err := New(newQueue(t), func(context.Context, scan) error { return nil }, Options{
		Schedule: "@every 1h",
		Logger:   quietLogger(),
	})
	require.NoError(t, err)
	r.Start(context.Background())
	defer r.Stop()

	st, err := r.Status(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st.NextRunAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *st.NextRunAt, time.Minute)
}

func TestProber_Transitions(t *testing.T) {
	var code atomic.Int32
	code.Store(http.StatusOK)
	srv := backend(t, &code)

	var onlineCalls atomic.Int32
	p := NewProber(srv.URL, time.Hour, func() { onlineCalls.Add(1) }, quietLogger())
	ctx := context.Background()

	assert.True(t, p.Online(), "unknown state counts as online")
	assert.True(t, p.Check(ctx))
	assert.Zero(t, onlineCalls.Load(), "first probe is not a transition")

	code.Store(http.StatusInternalServerError)
	assert.False(t, p.Check(ctx))
	assert.False(t, p.Online())

	code.Store(http.StatusNotFound)
	assert.True(t, p.Check(ctx), "4xx still means the host answers")
	assert.Equal(t, int32(1), onlineCalls.Load())

	assert.True(t, p.Check(ctx))
	assert.Equal(t, int32(1), onlineCalls.Load())
}

func TestProber_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := NewProber(url, 50*time.Millisecond, nil, quietLogger())
	assert.False(t, p.Check(context.Background()))
}
