package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRunnerService_StopCancelsRun(t *testing.T) {
	started := make(chan struct{})
	svc := NewRunnerService(RunnerFunc(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start() }()
	<-started

	svc.Stop()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestRunnerService_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	svc := NewRunnerService(RunnerFunc(func(context.Context) error { return boom }))
	assert.ErrorIs(t, svc.Start(), boom)
	svc.Stop()
}

func TestRunnerService_StopBeforeStart(t *testing.T) {
	ran := false
	svc := NewRunnerService(RunnerFunc(func(context.Context) error {
		ran = true
		return nil
	}))
	svc.Stop()
	require.NoError(t, svc.Start())
	assert.False(t, ran)
}

func TestHTTPService_ServesUntilStop(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "pong")
	})
	svc := NewHTTPService("test", "127.0.0.1:0", mux, zaptest.NewLogger(t))

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start() }()
	require.Eventually(t, func() bool { return svc.Addr() != nil }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + svc.Addr().String() + "/ping")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "pong", string(body))

	svc.Stop()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestHTTPService_ListenError(t *testing.T) {
	svc := NewHTTPService("bad", "256.0.0.1:0", http.NewServeMux(), zaptest.NewLogger(t))
	assert.Error(t, svc.Start())
}
