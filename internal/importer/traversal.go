package importer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ehr/fhirimport/internal/platform/fhir"
)

// traverse walks the search result of one resource type page by page,
// appending resources to acc in server order. It stops at the per-type cap,
// at the page ceiling, on the last page, or once the bundle's declared total
// is reached. A page that still fails after retries is recorded and ends
// this type only. The returned error is always a context error.
func (r *run) traverse(ctx context.Context, resourceType, patientID string, acc *[]json.RawMessage) error {
	cfg, err := r.registry.Lookup(resourceType)
	if err != nil {
		r.tracker.AddError(ImportError{ResourceType: resourceType, Message: err.Error()})
		return nil
	}

	limit := r.cfg.MaxResourcesPerType
	maxPages := r.cfg.MaxPages()
	next := BuildSearchURL(cfg, patientID, r.cfg.Since, r.cfg.PageSize)

	for page := 1; next != "" && page <= maxPages; page++ {
		stage := r.catalog.stage(msgFetchingType, resourceType, page)
		r.tracker.Apply(Delta{Stage: &stage})

		pageURL := next
		var bundle fhir.Bundle
		err := r.withRetry(ctx, resourceType, func(ctx context.Context) error {
			bundle = fhir.Bundle{}
			return r.client.Request(ctx, pageURL, &bundle)
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			r.recordPageFailure(resourceType, page, err)
			return nil
		}

		resources := bundle.Resources()
		for _, res := range resources {
			*acc = append(*acc, res)
			r.tracker.Apply(Delta{Processed: 1})
			if limit > 0 && len(*acc) >= limit {
				r.logger.Debug().
					Str("resource_type", resourceType).
					Int("page", page).
					Int("count", len(*acc)).
					Msg("per-type limit reached")
				return nil
			}
		}

		r.logger.Debug().
			Str("resource_type", resourceType).
			Int("page", page).
			Int("entries", len(resources)).
			Int("count", len(*acc)).
			Msg("fetched page")

		if bundle.Total != nil && len(*acc) >= *bundle.Total {
			break
		}
		next = bundle.NextURL()
	}
	return nil
}

func (r *run) recordPageFailure(resourceType string, page int, err error) {
	msg := r.catalog.stage(msgPageFailed, resourceType, page)
	r.tracker.AddError(ImportError{
		ResourceType:     resourceType,
		Message:          fmt.Sprintf("%s: %v", msg.Text, err),
		MessageLocalized: msg.Localized,
		Recoverable:      !fhir.IsAuthFailure(err),
		Page:             page,
		StatusCode:       fhir.StatusCode(err),
	})
	r.logger.Warn().
		Err(err).
		Str("resource_type", resourceType).
		Int("page", page).
		Msg("resource type fetch failed")
}
