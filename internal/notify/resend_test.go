package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

func TestNotifyRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emails", r.URL.Path)
		assert.Equal(t, "Bearer re_key", r.Header.Get("Authorization"))
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"id":"email-1"}`))
	}))
	defer srv.Close()

	n := NewResend("re_key", "noreply@bizinbox.test", srv.URL, zap.NewNop())
	n.InitialBackoff = time.Millisecond
	require.NoError(t, n.Notify(context.Background(), "owner@acme.test", "failed", "<p>x</p>"))
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestNotifyDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	var lastBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		raw, _ := io.ReadAll(r.Body)
		lastBody = string(raw)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"invalid from"}`))
	}))
	defer srv.Close()

	n := NewResend("re_key", "bad", srv.URL, zap.NewNop())
	n.InitialBackoff = time.Millisecond
	err := n.Notify(context.Background(), "owner@acme.test", "subj", "<p>x</p>")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid from")
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Equal(t, "owner@acme.test", gjson.Get(lastBody, "to.0").String())
}

func TestNotifyWithoutKeyIsNoop(t *testing.T) {
	n := NewResend("", "x", "http://127.0.0.1:1", zap.NewNop())
	assert.NoError(t, n.Notify(context.Background(), "a@b.c", "s", "h"))
}
