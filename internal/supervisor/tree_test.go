package supervisor

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHTTPServer struct {
	listenErr   error
	shutdownErr error
	listens     atomic.Int32
	shutdowns   atomic.Int32
	started     chan struct{}
	stopCh      chan struct{}
}

func newMockHTTPServer() *mockHTTPServer {
	return &mockHTTPServer{started: make(chan struct{}, 8), stopCh: make(chan struct{})}
}

func (m *mockHTTPServer) ListenAndServe() error {
	m.listens.Add(1)
	select {
	case m.started <- struct{}{}:
	default:
	}
	if m.listenErr != nil {
		return m.listenErr
	}
	<-m.stopCh
	return http.ErrServerClosed
}

func (m *mockHTTPServer) Shutdown(context.Context) error {
	if m.shutdowns.Add(1) == 1 {
		close(m.stopCh)
	}
	return m.shutdownErr
}

type countingService struct {
	runs atomic.Int32
	fail bool
}

func (s *countingService) Serve(ctx context.Context) error {
	s.runs.Add(1)
	if s.fail {
		return errors.New("worker crashed")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestNewTreeAppliesDefaults(t *testing.T) {
	tree := NewTree(TreeConfig{})
	assert.Equal(t, DefaultTreeConfig(), tree.config)

	tree = NewTree(TreeConfig{FailureBackoff: time.Second})
	assert.Equal(t, time.Second, tree.config.FailureBackoff)
	assert.InDelta(t, 5.0, tree.config.FailureThreshold, 0)
}

func TestTreeRunsAndStopsServices(t *testing.T) {
	tree := NewTree(TreeConfig{ShutdownTimeout: time.Second})
	srv := newMockHTTPServer()
	worker := &countingService{}
	tree.AddAPIService(NewHTTPServerService(srv, time.Second))
	tree.AddStreamService(worker)

	ctx, cancel := context.WithCancel(context.Background())
	done := tree.ServeBackground(ctx)

	select {
	case <-srv.started:
	case <-time.After(2 * time.Second):
		t.Fatal("http server was not started")
	}
	require.Eventually(t, func() bool { return worker.runs.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}
	assert.Equal(t, int32(1), srv.shutdowns.Load())
}

func TestTreeRestartsFailedService(t *testing.T) {
	tree := NewTree(TreeConfig{FailureThreshold: 100, FailureBackoff: time.Millisecond, ShutdownTimeout: time.Second})
	worker := &countingService{fail: true}
	tree.AddStreamService(worker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := tree.ServeBackground(ctx)

	require.Eventually(t, func() bool { return worker.runs.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestHTTPServerServiceReportsListenFailure(t *testing.T) {
	srv := newMockHTTPServer()
	srv.listenErr = errors.New("address in use")
	svc := NewHTTPServerService(srv, 0)

	err := svc.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address in use")
	assert.Equal(t, "http-server", svc.String())
}

func TestHTTPServerServiceShutdownFailure(t *testing.T) {
	srv := newMockHTTPServer()
	srv.shutdownErr = errors.New("drain timeout")
	svc := NewHTTPServerService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()
	<-srv.started
	cancel()

	err := <-errCh
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drain timeout")
}
