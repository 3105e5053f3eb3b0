package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent/services/browser_pool/agentlink"
	"agent/services/browser_pool/slot"
)

func TestReInitWithResolutionRejectsUnlisted(t *testing.T) {
	tbl := slot.NewTable(1)
	tbl.Add(slot.New("bx-10222", 0, slot.PortSet{App: 10222}, slot.Viewport{}))
	sv := New(tbl, nil, Options{NamePrefix: "bx", Image: "agent/browser:latest"})

	err := sv.ReInitWithResolution(context.Background(), "bx-10222", 999, 999)
	assert.Error(t, err)
}

func TestDispatchWebhookSkipsWhenFieldsMissing(t *testing.T) {
	var called int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&called, 1)
	}))
	defer srv.Close()

	sv := &Supervisor{}
	sv.dispatchWebhook(context.Background(), slot.Slot{
		Name:    "bx-10222",
		Session: slot.Session{Webhook: srv.URL, ReportKey: "", SessionUUID: "abc"},
	}, agentlink.Event{Kind: agentlink.Deleted})
	assert.Zero(t, atomic.LoadInt32(&called))
}

// TestDispatchWebhookPostsWhenComplete matches spec scenario 6: with a
// fingerprintID present, sessionData in the POST body is the event's
// sessionData payload, not the fingerprintID itself.
func TestDispatchWebhookPostsWhenComplete(t *testing.T) {
	var called int32
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&called, 1)
		body := make([]byte, 1024)
		n, _ := r.Body.Read(body)
		gotBody = string(body[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sv := &Supervisor{}
	sv.dispatchWebhook(context.Background(), slot.Slot{
		Name: "bx-10222",
		Session: slot.Session{
			Webhook:       srv.URL,
			ReportKey:     "k",
			SessionUUID:   "u",
			FingerprintID: "f",
		},
	}, agentlink.Event{Kind: agentlink.Deleted, IsError: true, Message: "m", SessionData: "S"})
	require.Equal(t, int32(1), atomic.LoadInt32(&called))
	assert.Contains(t, gotBody, `"sessionData":"S"`)
	assert.Contains(t, gotBody, `"isError":true`)
	assert.Contains(t, gotBody, `"error":"m"`)
}

func TestDispatchWebhookSessionDataEmptyWithoutFingerprint(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, 1024)
		n, _ := r.Body.Read(body)
		gotBody = string(body[:n])
	}))
	defer srv.Close()

	sv := &Supervisor{}
	sv.dispatchWebhook(context.Background(), slot.Slot{
		Name:    "bx-10222",
		Session: slot.Session{Webhook: srv.URL, ReportKey: "rk-1", SessionUUID: "uuid-1"},
	}, agentlink.Event{Kind: agentlink.Deleted, SessionData: "S"})
	assert.Contains(t, gotBody, `"sessionData":""`)
}

func TestReserveReturnsFalseWhenNoneReady(t *testing.T) {
	tbl := slot.NewTable(1)
	tbl.Add(slot.New("bx-10222", 0, slot.PortSet{App: 10222}, slot.Viewport{}))
	sv := New(tbl, nil, Options{})

	_, ok := sv.Reserve(context.Background(), 0, slot.Session{})
	assert.False(t, ok)
}
