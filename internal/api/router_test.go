package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/snaplist/listingd/internal/agent"
	"github.com/snaplist/listingd/internal/api"
	"github.com/snaplist/listingd/internal/api/handlers"
	"github.com/snaplist/listingd/internal/config"
	"github.com/snaplist/listingd/internal/jobs"
	"github.com/snaplist/listingd/internal/pipeline"
	"github.com/snaplist/listingd/internal/store"
	"github.com/snaplist/listingd/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct{}

func (stubProvider) Name() string { return "stub" }

func (stubProvider) Run(_ context.Context, _ []models.DownloadedImage, _ string, sink agent.ProgressSink) (*models.AgentProviderResult, error) {
	sink.Emit(models.NewProgressEvent(models.ProgressSearch, "cast iron skillet sold"))
	return &models.AgentProviderResult{Output: models.ListingAgentOutput{
		Title:          "Lodge Cast Iron Skillet 10in",
		Description:    "Seasoned and ready to cook.",
		SuggestedPrice: 25,
		PriceRangeLow:  18,
		PriceRangeHigh: 30,
		Category:       "Kitchen",
		Condition:      models.ConditionGood,
		Brand:          "Lodge",
		ResearchNotes:  "Common item.",
		Comparables:    []models.Comparable{},
	}}, nil
}

type stubProviders struct{}

func (stubProviders) Get() agent.Provider { return stubProvider{} }

type harness struct {
	handler http.Handler
	store   *store.MemoryStore
	photos  *httptest.Server
}

func newHarness(t *testing.T, keys ...string) *harness {
	t.Helper()
	photos := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("\xff\xd8\xff\xe0fakejpeg"))
	}))
	t.Cleanup(photos.Close)

	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })

	p := pipeline.New(pipeline.Deps{
		Store:     s,
		Providers: stubProviders{},
		Runner:    jobs.NewRunner(jobs.Config{MaxAttempts: 1}),
	})

	cfg := &config.Config{Version: "test"}
	cfg.Auth.APIKeys = keys
	cfg.Auth.APIKeyHeader = "X-API-Key"

	return &harness{
		handler: api.NewRouter(cfg, s, handlers.New(s, p)),
		store:   s,
		photos:  photos,
	}
}

func (h *harness) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func (h *harness) job(t *testing.T, url string) (jobs.Job, bool) {
	var j jobs.Job
	w := h.do(t, http.MethodGet, url, "")
	if w.Code != http.StatusOK {
		return j, false
	}
	return j, json.Unmarshal(w.Body.Bytes(), &j) == nil
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthAndVersion(t *testing.T) {
	h := newHarness(t, "secret")

	w := h.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode[map[string]string](t, w)["status"])

	w = h.do(t, http.MethodGet, "/version", "")
	assert.Equal(t, "test", decode[map[string]string](t, w)["version"])
}

func TestGenerateListing_EndToEnd(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/api/v1/listings", `{"id":"l1","userId":"u1"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, models.ListingStatusDraft, decode[models.Listing](t, w).Status)

	w = h.do(t, http.MethodPost, "/api/v1/jobs/generate-listing",
		`{"listingId":"l1","imageUrls":["`+h.photos.URL+`/a.jpg"],"userDescription":null}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	accepted := decode[handlers.JobAccepted](t, w)
	assert.Equal(t, pipeline.KindGenerateListing, accepted.Kind)
	assert.Equal(t, "/api/v1/jobs/"+accepted.JobID, w.Header().Get("Location"))

	require.Eventually(t, func() bool {
		j, ok := h.job(t, accepted.StatusURL)
		return ok && j.Status == jobs.StatusSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	w = h.do(t, http.MethodGet, "/api/v1/listings/l1", "")
	require.Equal(t, http.StatusOK, w.Code)
	l := decode[models.Listing](t, w)
	assert.Equal(t, models.ListingStatusReady, l.Status)
	assert.Equal(t, models.PipelineComplete, l.PipelineStep)
	assert.Equal(t, "Lodge Cast Iron Skillet 10in", l.Title)
	assert.NotEmpty(t, l.AgentLog)
}

func TestGenerateListing_BadRequests(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"no images", `{"listingId":"l1","imageUrls":[]}`, http.StatusBadRequest},
		{"bad url", `{"listingId":"l1","imageUrls":["nope"]}`, http.StatusBadRequest},
		{"unknown listing", `{"listingId":"ghost","imageUrls":["https://example.com/a.jpg"]}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(t, http.MethodPost, "/api/v1/jobs/generate-listing", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestEnhanceImage_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.CreateListing(ctx, &models.Listing{ID: "l1", UserID: "u1"}))

	w := h.do(t, http.MethodPost, "/api/v1/listings/l1/images", `{"url":"`+h.photos.URL+`/o.jpg"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	orig := decode[models.Image](t, w)
	assert.True(t, orig.IsOriginal())

	parent := orig.ID
	require.NoError(t, h.store.CreateImage(ctx, &models.Image{ID: "v1", ListingID: "l1", URL: "https://x/v.png", Kind: models.ImageKindEnhanced, ParentImageID: &parent}))

	w = h.do(t, http.MethodPost, "/api/v1/jobs/enhance-image", `{"imageId":"v1","listingId":"l1"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/jobs/enhance-image", `{"imageId":"`+orig.ID+`","listingId":"other"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/jobs/enhance-image", `{"imageId":"ghost","listingId":"l1"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// No enhancer is configured, so the accepted job fails permanently.
	w = h.do(t, http.MethodPost, "/api/v1/jobs/enhance-image", `{"imageId":"`+orig.ID+`","listingId":"l1"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	accepted := decode[handlers.JobAccepted](t, w)
	require.Eventually(t, func() bool {
		j, ok := h.job(t, accepted.StatusURL)
		return ok && j.Status == jobs.StatusFailed && j.Attempts == 1
	}, 5*time.Second, 10*time.Millisecond)

	w = h.do(t, http.MethodGet, "/api/v1/listings/l1/images", "")
	assert.Len(t, decode[[]models.Image](t, w), 2)
}

func TestNotFoundRoutes(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/v1/listings/ghost", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/v1/listings/ghost/images", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/v1/jobs/ghost", "").Code)
}

func TestAPIKeyRequired(t *testing.T) {
	h := newHarness(t, "secret")

	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/v1/listings/l1", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/v1/listings/l1", "", "X-API-Key", "secret").Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/v1/listings/l1", "", "Authorization", "Bearer secret").Code)
}
