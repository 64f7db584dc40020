package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/snaplist/listingd/internal/config"
	"github.com/snaplist/listingd/internal/pipeline"
	"github.com/snaplist/listingd/internal/store"
	"github.com/snaplist/listingd/internal/telemetry"
	"github.com/snaplist/listingd/pkg/models"
	"github.com/snaplist/listingd/pkg/server"
	"github.com/spf13/cobra"
)

// oneShot holds what a foreground job needs.
type oneShot struct {
	store    store.Store
	pipeline *pipeline.Pipeline
	shutdown telemetry.Shutdown
}

func openOneShot(ctx context.Context) (*oneShot, error) {
	cfg := config.Load()
	cfg.Version = version
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	s, err := server.NewStore(ctx, cfg)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	return &oneShot{store: s, pipeline: server.NewPipeline(cfg, s), shutdown: shutdown}, nil
}

func (o *oneShot) Close(ctx context.Context) {
	if err := o.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Store close failed")
	}
	if err := o.shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Telemetry flush failed")
	}
}

// ensureListing creates the listing when the store does not know it yet.
func ensureListing(ctx context.Context, s store.Store, id, userID string) error {
	_, err := s.GetListing(ctx, id)
	var nf *store.ErrNotFound
	if errors.As(err, &nf) {
		return s.CreateListing(ctx, &models.Listing{ID: id, UserID: userID})
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newGenerateCmd() *cobra.Command {
	var (
		listingID   string
		userID      string
		imageURLs   []string
		description string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a listing from photos in the foreground",
		Example: `  listingd generate --image https://example.com/drill-1.jpg --image https://example.com/drill-2.jpg \
    --description "works fine, one battery"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := openOneShot(ctx)
			if err != nil {
				return err
			}
			defer o.Close(context.WithoutCancel(ctx))

			if listingID == "" {
				listingID = uuid.NewString()
			}
			if err := ensureListing(ctx, o.store, listingID, userID); err != nil {
				return fmt.Errorf("prepare listing: %w", err)
			}

			ev := models.GenerateListingEvent{ListingID: listingID, ImageURLs: imageURLs}
			if description != "" {
				ev.UserDescription = &description
			}

			runErr := o.pipeline.RunGenerate(ctx, ev)

			listing, err := o.store.GetListing(context.WithoutCancel(ctx), listingID)
			if err != nil {
				return errors.Join(runErr, err)
			}
			if err := printJSON(cmd.OutOrStdout(), listing); err != nil {
				return err
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&listingID, "listing", "", "listing id (created when unknown; random when empty)")
	cmd.Flags().StringVar(&userID, "user", "cli", "owner of a newly created listing")
	cmd.Flags().StringArrayVar(&imageURLs, "image", nil, "photo URL, repeatable")
	cmd.Flags().StringVar(&description, "description", "", "seller's description of the item")
	_ = cmd.MarkFlagRequired("image")

	return cmd
}

func newEnhanceCmd() *cobra.Command {
	var (
		listingID string
		imageID   string
		imageURL  string
	)

	cmd := &cobra.Command{
		Use:   "enhance",
		Short: "Create an enhanced variant of an original photo",
		Example: `  listingd enhance --listing 3f2a... --image 9c1d...
  listingd enhance --listing demo --image-url https://example.com/drill-1.jpg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if imageID == "" && imageURL == "" {
				return errors.New("one of --image or --image-url is required")
			}
			ctx := cmd.Context()
			o, err := openOneShot(ctx)
			if err != nil {
				return err
			}
			defer o.Close(context.WithoutCancel(ctx))

			if imageURL != "" {
				if err := ensureListing(ctx, o.store, listingID, "cli"); err != nil {
					return fmt.Errorf("prepare listing: %w", err)
				}
				imageID = uuid.NewString()
				if err := o.store.CreateImage(ctx, &models.Image{
					ID:        imageID,
					ListingID: listingID,
					URL:       imageURL,
					Kind:      models.ImageKindOriginal,
				}); err != nil {
					return fmt.Errorf("register image: %w", err)
				}
			}

			n, err := o.pipeline.RunEnhance(ctx, models.EnhanceImageEvent{ImageID: imageID, ListingID: listingID})
			if err != nil {
				return err
			}
			images, err := o.store.ListImages(ctx, listingID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"imageId":  imageID,
				"variants": n,
				"images":   images,
			})
		},
	}

	cmd.Flags().StringVar(&listingID, "listing", "", "listing id")
	cmd.Flags().StringVar(&imageID, "image", "", "id of an original image")
	cmd.Flags().StringVar(&imageURL, "image-url", "", "register this URL as a new original and enhance it")
	_ = cmd.MarkFlagRequired("listing")

	return cmd
}
