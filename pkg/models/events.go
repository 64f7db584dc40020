package models

import (
	"sync"

	"github.com/go-playground/validator/v10"
)

// ── Job Events ───────────────────────────────────────────────

// GenerateListingEvent starts a listing-generation job.
type GenerateListingEvent struct {
	ListingID       string   `json:"listingId" validate:"required"`
	ImageURLs       []string `json:"imageUrls" validate:"required,min=1,dive,required,url"`
	UserDescription *string  `json:"userDescription"`
}

// Description returns the user's free-text description, or "" when absent.
func (e GenerateListingEvent) Description() string {
	if e.UserDescription == nil {
		return ""
	}
	return *e.UserDescription
}

// EnhanceImageEvent starts an image-enhancement job.
type EnhanceImageEvent struct {
	ImageID   string `json:"imageId" validate:"required"`
	ListingID string `json:"listingId" validate:"required"`
}

// ReadyNotification is sent once a listing reaches READY.
type ReadyNotification struct {
	UserID    string `json:"userId"`
	ListingID string `json:"listingId"`
	Title     string `json:"title"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// ValidateEvent checks the struct tags of an inbound job event.
func ValidateEvent(ev any) error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate.Struct(ev)
}
