package middleware

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"

	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
)

// Input validation for the control surface. Everything here ends up in a
// tool's argv, so shell metacharacters are rejected outright.

var targetIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._:/-]{1,128}$`)

var dangerous = []string{"$(", "`", "&", "|", ";", "\n", "\r", "<", ">"}

// ValidationError marks a rejected request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ValidateIP accepts an IPv4/IPv6 literal. Empty is allowed (image-only scan).
func ValidateIP(ip string) error {
	if ip == "" {
		return nil
	}
	if net.ParseIP(ip) == nil {
		return invalid("ip", "%q is not an IP address", ip)
	}
	return nil
}

// ValidateImage parses a Docker image reference ([registry/]name[:tag][@digest]).
// Empty is allowed (ip-only scan).
func ValidateImage(image string) error {
	if image == "" {
		return nil
	}
	if strings.HasPrefix(image, "-") {
		// would be read as a scanner flag
		return invalid("image", "must not start with '-'")
	}
	for _, d := range dangerous {
		if strings.Contains(image, d) {
			return invalid("image", "invalid characters in image name")
		}
	}
	if _, err := name.ParseReference(image); err != nil {
		return invalid("image", "%v", err)
	}
	return nil
}

// ValidateProfile accepts the known profiles or empty (defaulted later).
func ValidateProfile(p string) error {
	switch domain.Profile(p) {
	case "", domain.ProfileQuick, domain.ProfileMisconfigs, domain.ProfileDeeper:
		return nil
	}
	return invalid("profile", "%q (allowed: quick, misconfigs, deeper)", p)
}

// ValidateTargetID validates target ID format. Empty is allowed.
func ValidateTargetID(id string) error {
	if id == "" {
		return nil
	}
	if strings.HasPrefix(id, "-") {
		return invalid("target_id", "must not start with '-'")
	}
	if !targetIDPattern.MatchString(id) {
		return invalid("target_id", "alphanumeric, dot, colon, slash, dash, underscore only, max 128 chars")
	}
	return nil
}

// ValidatePorts keeps ports in 1..65535.
func ValidatePorts(ports []int) error {
	for _, p := range ports {
		if p < 1 || p > 65535 {
			return invalid("metadata.ports", "port %d out of range", p)
		}
	}
	return nil
}

// SanitizeString removes dangerous characters from strings
func SanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")

	var result strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\t' || r == '\n' {
			result.WriteRune(r)
		}
	}
	return strings.TrimSpace(result.String())
}

// ValidateLimit validates pagination limit
func ValidateLimit(limit int) int {
	if limit <= 0 {
		return 20 // default
	}
	if limit > 100 {
		return 100 // max limit
	}
	return limit
}

// ValidateDays validates days parameter
func ValidateDays(days int) int {
	if days <= 0 {
		return 7 // default
	}
	if days > 365 {
		return 365 // max 1 year
	}
	return days
}
