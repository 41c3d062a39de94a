package scans

import "time"

// ToolInvocation is one command run inside the sandbox.
type ToolInvocation struct {
	Tool Tool
	Argv []string
	// Timeout <= 0 disables the deadline.
	Timeout    time.Duration
	OutputPath string
}

// ExecResult hasil dari sandbox exec
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// LineFunc receives tool output line by line as it arrives.
type LineFunc func(stream, line string)

// SandboxInfo describes the shared tool container.
type SandboxInfo struct {
	Name        string `json:"name"`
	ContainerID string `json:"container_id"`
	Image       string `json:"image"`
	Reused      bool   `json:"reused"`
}

// ScanRequest is what a scanner needs to build its invocation.
type ScanRequest struct {
	ScanID   ScanID
	Target   Target
	Profile  Profile
	Services []Service
	// OnLine streams tool output into the job log; may be nil.
	OnLine LineFunc
}
