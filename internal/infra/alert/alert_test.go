package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	err := n.Notify(context.Background(), Alert{
		Severity:          SeverityCritical,
		Title:             "unverified webhook",
		ExternalReference: "cs_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "unverified webhook", got.Title)
	assert.Equal(t, "cs_1", got.ExternalReference)
}

func TestWebhookNotifierReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), Alert{Title: "x"})
	assert.ErrorContains(t, err, "status=502")
}

type failing struct{}

func (failing) Notify(context.Context, Alert) error { return errors.New("down") }

func TestMultiContinuesAfterFailure(t *testing.T) {
	rec := &Recorder{}
	m := Multi{failing{}, LogNotifier{Log: zap.NewNop()}, rec}

	err := m.Notify(context.Background(), Alert{Title: "payment without plan"})
	assert.EqualError(t, err, "down")
	require.Len(t, rec.Alerts, 1)
	assert.False(t, rec.Alerts[0].At.IsZero())
}
