// Package handlers implements the HTTP handlers for listingd: job triggers,
// job status, and listing polling.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/snaplist/listingd/internal/pipeline"
	"github.com/snaplist/listingd/internal/store"
	"github.com/snaplist/listingd/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
	validate *validator.Validate
}

// New creates a new Handlers instance.
func New(s store.Store, p *pipeline.Pipeline) *Handlers {
	return &Handlers{
		Store:    s,
		Pipeline: p,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// JobAccepted is the 202 body of the trigger routes.
type JobAccepted struct {
	JobID     string `json:"jobId"`
	Kind      string `json:"kind"`
	StatusURL string `json:"statusUrl"`
}

// ── Jobs ─────────────────────────────────────────────────────

func (h *Handlers) GenerateListing(w http.ResponseWriter, r *http.Request) {
	var ev models.GenerateListingEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := models.ValidateEvent(ev); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.Store.GetListing(r.Context(), ev.ListingID); err != nil {
		respondStoreError(w, err)
		return
	}

	jobID, err := h.Pipeline.SubmitGenerate(ev)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Info().Str("listing", ev.ListingID).Str("job", jobID).Int("images", len(ev.ImageURLs)).Msg("Listing generation queued")
	respondAccepted(w, jobID, pipeline.KindGenerateListing)
}

func (h *Handlers) EnhanceImage(w http.ResponseWriter, r *http.Request) {
	var ev models.EnhanceImageEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := models.ValidateEvent(ev); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	img, err := h.Store.GetImage(r.Context(), ev.ImageID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if img.ListingID != ev.ListingID {
		respondError(w, http.StatusBadRequest, pipeline.ErrImageMismatch.Error())
		return
	}
	if !img.IsOriginal() {
		respondError(w, http.StatusConflict, pipeline.ErrNotOriginal.Error())
		return
	}

	jobID, err := h.Pipeline.SubmitEnhance(ev)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Info().Str("image", ev.ImageID).Str("job", jobID).Msg("Image enhancement queued")
	respondAccepted(w, jobID, pipeline.KindEnhanceImage)
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")
	job, ok := h.Pipeline.Runner().Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "job not found: "+id)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// ── Listings ─────────────────────────────────────────────────

type createListingRequest struct {
	ID     string `json:"id"`
	UserID string `json:"userId" validate:"required"`
}

// CreateListing registers a DRAFT listing for deployments where listingd owns
// the rows (memory store, local runs).
func (h *Handlers) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req createListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	listing := &models.Listing{ID: req.ID, UserID: req.UserID}
	if err := h.Store.CreateListing(r.Context(), listing); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	created, err := h.Store.GetListing(r.Context(), listing.ID)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	log.Info().Str("listing", created.ID).Str("user", created.UserID).Msg("Listing registered")
	respondJSON(w, http.StatusCreated, created)
}

func (h *Handlers) GetListing(w http.ResponseWriter, r *http.Request) {
	listing, err := h.Store.GetListing(r.Context(), chi.URLParam(r, "listingId"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if listing.AgentLog == nil {
		listing.AgentLog = []models.ProgressEvent{}
	}
	respondJSON(w, http.StatusOK, listing)
}

func (h *Handlers) ListImages(w http.ResponseWriter, r *http.Request) {
	listingID := chi.URLParam(r, "listingId")
	if _, err := h.Store.GetListing(r.Context(), listingID); err != nil {
		respondStoreError(w, err)
		return
	}
	images, err := h.Store.ListImages(r.Context(), listingID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if images == nil {
		images = []models.Image{}
	}
	respondJSON(w, http.StatusOK, images)
}

type addImageRequest struct {
	URL         string `json:"url" validate:"required,url"`
	StoragePath string `json:"storagePath"`
}

// AddImage attaches an original photo to a listing.
func (h *Handlers) AddImage(w http.ResponseWriter, r *http.Request) {
	listingID := chi.URLParam(r, "listingId")
	var req addImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.Store.GetListing(r.Context(), listingID); err != nil {
		respondStoreError(w, err)
		return
	}

	img := &models.Image{
		ID:          uuid.NewString(),
		ListingID:   listingID,
		URL:         req.URL,
		StoragePath: req.StoragePath,
		Kind:        models.ImageKindOriginal,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.Store.CreateImage(r.Context(), img); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, img)
}

// ── Helpers ──────────────────────────────────────────────────

func respondAccepted(w http.ResponseWriter, jobID, kind string) {
	w.Header().Set("Location", "/api/v1/jobs/"+jobID)
	respondJSON(w, http.StatusAccepted, JobAccepted{
		JobID:     jobID,
		Kind:      kind,
		StatusURL: "/api/v1/jobs/" + jobID,
	})
}

func respondStoreError(w http.ResponseWriter, err error) {
	var nf *store.ErrNotFound
	if errors.As(err, &nf) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
