// Package store keeps submission records keyed by source ID. Every backend
// makes the duplicate check and the create-or-reset a single atomic Claim.
package store

import (
	"ossgateway/internal/submission/models"
)

// resolveClaim decides what a claim does given the current record for the
// source. A nil existing record means the candidate is inserted as is.
func resolveClaim(existing, candidate *models.Record) (*models.Record, error) {
	if existing == nil {
		return candidate.Clone(), nil
	}
	if existing.State != models.StateError {
		return nil, &models.DuplicateError{Existing: existing.Clone()}
	}
	claimed := existing.Clone()
	if err := claimed.Resubmit(candidate, candidate.UpdatedAt); err != nil {
		return nil, err
	}
	return claimed, nil
}
