package model

import "errors"

// Failure kinds surfaced by a check cycle. None of them stops the scheduler loop.
var (
	ErrFeedUnavailable = errors.New("feed unavailable")
	ErrPersistence     = errors.New("persistence failure")
	ErrDelivery        = errors.New("delivery failure")
	ErrEnrichment      = errors.New("enrichment failure")
	ErrNotFound        = errors.New("not found")
)
