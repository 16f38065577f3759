package observability

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownManager_Order(t *testing.T) {
	sm := NewShutdownManager(NewLogger(DebugLevel, &bytes.Buffer{}), nil, time.Second)

	var order []string
	sm.Register("db", func(context.Context) error { order = append(order, "db"); return nil })
	sm.Register("cache", func(context.Context) error { order = append(order, "cache"); return nil })
	sm.Register("ignored", nil)
	sm.Register("sessions", func(context.Context) error { order = append(order, "sessions"); return nil })

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, []string{"sessions", "cache", "db"}, order)
}

func TestShutdownManager_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(nil, nil, 0)
	assert.Equal(t, 30*time.Second, sm.timeout)

	boom := errors.New("boom")
	ran := false
	sm.Register("first", func(context.Context) error { ran = true; return nil })
	sm.Register("second", func(context.Context) error { return boom })

	err := sm.Shutdown(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "second")
	assert.True(t, ran, "a failing step must not stop later steps")
}

func TestShutdownManager_ExpiredContext(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), nil, time.Second)
	called := false
	sm.Register("late", func(context.Context) error { called = true; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sm.Shutdown(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestShutdownManager_Server(t *testing.T) {
	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Start()
	defer ts.Close()

	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), ts.Config, time.Second)
	require.NoError(t, sm.Shutdown(context.Background()))
}

func TestShutdownManager_WaitForShutdownContext(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), nil, time.Second)
	done := make(chan struct{})
	sm.Register("marker", func(context.Context) error { close(done); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, sm.WaitForShutdown(ctx))
	select {
	case <-done:
	default:
		t.Fatal("shutdown functions did not run")
	}
}
