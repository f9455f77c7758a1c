package health

import (
	"regexp"
	"strings"
	"time"
)

// State is a component's health.
type State string

const (
	Healthy   State = "healthy"
	Degraded  State = "degraded"
	Unhealthy State = "unhealthy"
)

// severity orders states for aggregation.
func (s State) severity() int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	default:
		return 2
	}
}

// Status is the reported health of one component or of the system.
type Status struct {
	Component   string         `json:"component"`
	State       State          `json:"status"`
	Message     string         `json:"message,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Details     map[string]any `json:"details,omitempty"`
	SubStatuses []Status       `json:"sub_statuses,omitempty"`
}

// IsHealthy reports whether the state is Healthy.
func (s Status) IsHealthy() bool { return s.State == Healthy }

// IsUnhealthy reports whether the state is Unhealthy.
func (s Status) IsUnhealthy() bool { return s.State == Unhealthy }

// New builds a status stamped now.
func New(component string, state State, message string) Status {
	return Status{Component: component, State: state, Message: message, Timestamp: time.Now()}
}

// FromError is Healthy for a nil err and Unhealthy with a sanitized
// message otherwise.
func FromError(component string, err error) Status {
	if err == nil {
		return New(component, Healthy, "ok")
	}
	return New(component, Unhealthy, Sanitize(err.Error()))
}

// With returns a copy with detail key set.
func (s Status) With(key string, value any) Status {
	details := make(map[string]any, len(s.Details)+1)
	for k, v := range s.Details {
		details[k] = v
	}
	details[key] = value
	s.Details = details
	return s
}

var (
	urlRegex         = regexp.MustCompile(`(?:https?|nats|wss?|tcp|postgres(?:ql)?|redis)://[^\s]+`)
	unixPathRegex    = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	windowsPathRegex = regexp.MustCompile(`[A-Z]:\\[^:\s]+`)
	ipAddrRegex      = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex        = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex  = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Sanitize strips URLs, file paths, IP addresses, ports and credential
// assignments from msg.
func Sanitize(msg string) string {
	if msg == "" {
		return ""
	}
	msg = urlRegex.ReplaceAllString(msg, "[URL]")
	msg = unixPathRegex.ReplaceAllString(msg, "[PATH]")
	msg = windowsPathRegex.ReplaceAllString(msg, "[PATH]")
	msg = ipAddrRegex.ReplaceAllString(msg, "[IP]")
	msg = portRegex.ReplaceAllString(msg, "[PORT]")

	lower := strings.ToLower(msg)
	for _, word := range []string{"password", "token", "key", "secret", "credential"} {
		if strings.Contains(lower, word) {
			return credentialRegex.ReplaceAllString(msg, "[REDACTED]")
		}
	}
	return msg
}

// Aggregate combines sub-statuses under component. An empty set is
// healthy.
func Aggregate(component string, subs []Status) Status {
	worst := Healthy
	for _, s := range subs {
		if s.State.severity() > worst.severity() {
			worst = s.State
		}
	}

	var msg string
	switch worst {
	case Healthy:
		msg = "all components healthy"
	case Degraded:
		msg = "one or more components degraded"
	default:
		msg = "one or more components unhealthy"
	}
	status := New(component, worst, msg)
	if len(subs) > 0 {
		status.SubStatuses = make([]Status, len(subs))
		copy(status.SubStatuses, subs)
	}
	return status
}
