package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snaplist/listingd/internal/notify"
	"github.com/snaplist/listingd/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ready = models.ReadyNotification{UserID: "u1", ListingID: "l1", Title: "DeWalt Drill"}

func TestWebhook_SignsPayload(t *testing.T) {
	var (
		gotBody []byte
		gotSig  string
		gotEvt  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Listingd-Signature")
		gotEvt = r.Header.Get("X-Listingd-Event")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := notify.NewWebhookNotifier(srv.URL, "s3cret", 2).NotifyReady(context.Background(), ready)
	require.NoError(t, err)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, map[string]string{"userId": "u1", "listingId": "l1", "title": "DeWalt Drill"}, payload)
	assert.Equal(t, "sha256="+notify.Sign("s3cret", gotBody), gotSig)
	assert.Equal(t, notify.EventListingReady, gotEvt)
}

func TestWebhook_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := notify.NewWebhookNotifier(srv.URL, "", 3).WithInitialInterval(time.Millisecond)
	require.NoError(t, n.NotifyReady(context.Background(), ready))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhook_GivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := notify.NewWebhookNotifier(srv.URL, "", 2).WithInitialInterval(time.Millisecond)
	err := n.NotifyReady(context.Background(), ready)
	assert.ErrorContains(t, err, "webhook failed after 3 attempts")
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhook_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	n := notify.NewWebhookNotifier(srv.URL, "", 5).WithInitialInterval(time.Millisecond)
	err := n.NotifyReady(context.Background(), ready)
	assert.ErrorContains(t, err, "HTTP 401")
	assert.Equal(t, int32(1), calls.Load())
}

func TestNew_SelectsDriver(t *testing.T) {
	assert.Equal(t, "log", notify.New("", "", 3).Kind())
	assert.Equal(t, "webhook", notify.New("https://hooks.example.com", "", 3).Kind())
	assert.NoError(t, notify.LogNotifier{}.NotifyReady(context.Background(), ready))
}
