package scanerrors

import "time"

// ScanError is one failed tool invocation kept for later triage.
type ScanError struct {
	ID        int64     `json:"id"`
	ScanID    string    `json:"scan_id"`
	TargetID  string    `json:"target_id"`
	Tool      string    `json:"tool,omitempty"`
	Phase     string    `json:"phase,omitempty"` // reconnaissance | vulnerability_scanning | finalizing
	Kind      string    `json:"kind,omitempty"`  // timeout, parse_failed, ...
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
