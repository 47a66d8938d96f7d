// Package health aggregates the health of udpkit components and serves it
// over HTTP for liveness and readiness checks.
package health

import (
	"regexp"
	"time"

	"github.com/c360/udpkit/component"
)

// Error message sanitization patterns. LastError strings can carry remote
// addresses and broker URLs; they are scrubbed before leaving the process.
var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|wss?)://[^\s]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|key|secret)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the externally visible health of one component.
type Status struct {
	Component  string        `json:"component"`
	Type       string        `json:"type,omitempty"`
	State      string        `json:"state,omitempty"`
	Healthy    bool          `json:"healthy"`
	ErrorCount int           `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
	Uptime     time.Duration `json:"uptime"`
	Timestamp  time.Time     `json:"timestamp"`
}

// FromComponent converts a Discoverable's self-report into a Status, with
// the error message sanitized.
func FromComponent(d component.Discoverable) Status {
	meta := d.Meta()
	h := d.Health()
	return Status{
		Component:  meta.Name,
		Type:       meta.Type,
		State:      meta.State,
		Healthy:    h.Healthy,
		ErrorCount: h.ErrorCount,
		LastError:  sanitizeErrorMessage(h.LastError),
		Uptime:     h.Uptime,
		Timestamp:  h.LastCheck,
	}
}

// Summary is the aggregate view served at /healthz.
type Summary struct {
	Healthy    bool      `json:"healthy"`
	Components []Status  `json:"components"`
	Timestamp  time.Time `json:"timestamp"`
}

func sanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}
	msg = urlRegex.ReplaceAllString(msg, "[URL]")
	msg = credentialRegex.ReplaceAllString(msg, "[REDACTED]")
	msg = ipAddrRegex.ReplaceAllString(msg, "[IP]")
	msg = portRegex.ReplaceAllString(msg, ":[PORT]")
	return msg
}
