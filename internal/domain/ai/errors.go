package ai

import "errors"

// ErrQuotaExceeded indicates the AI provider returned a quota/limit error (HTTP 429 or similar).
var ErrQuotaExceeded = errors.New("ai quota exceeded")

// ErrUnavailable: the enrichment endpoint could not be reached or answered 5xx.
var ErrUnavailable = errors.New("ai endpoint unavailable")
