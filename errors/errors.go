package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass tells a caller what to do with a failure: retry it, drop
// the input, or stop.
type ErrorClass int

const (
	ErrorTransient ErrorClass = iota
	ErrorInvalid
	ErrorFatal
)

var classNames = [...]string{
	ErrorTransient: "transient",
	ErrorInvalid:   "invalid",
	ErrorFatal:     "fatal",
}

func (ec ErrorClass) String() string {
	if ec < 0 || int(ec) >= len(classNames) {
		return "unknown"
	}
	return classNames[ec]
}

var (
	// Lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")

	// Connection errors
	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrCircuitOpen       = errors.New("circuit breaker open")

	// Event and data errors
	ErrInvalidData   = errors.New("invalid data format")
	ErrParsingFailed = errors.New("parsing failed")
	ErrUnknownKind   = errors.New("unknown kind")

	// Door state errors
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrDoorNotFound      = errors.New("door not found")

	// Sink errors
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrNotifyFailed       = errors.New("notification delivery failed")
	ErrKeyNotFound        = errors.New("key not found")

	// Configuration errors
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrMissingConfig  = errors.New("missing required configuration")
	ErrUnknownRule    = errors.New("unknown rule kind")
	ErrConfigNotFound = errors.New("configuration not found")

	// Retry errors
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// Sentinels recognized without a ClassifiedError in the chain.
var (
	transientSentinels = []error{
		ErrConnectionTimeout, ErrConnectionLost, ErrNoConnection,
		ErrStorageUnavailable, ErrCircuitOpen, context.DeadlineExceeded,
	}
	invalidSentinels = []error{
		ErrInvalidData, ErrParsingFailed, ErrUnknownKind,
		ErrInvalidConfig, ErrUnknownRule, ErrIllegalTransition,
	}
	fatalSentinels = []error{ErrMissingConfig}

	// Driver errors often carry no sentinel, only text.
	transientWords = []string{"timeout", "connection", "temporary", "unavailable"}
)

// ClassifiedError carries a class and the component/operation that
// produced it. Error() is the wrapped message.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Component string
	Operation string
}

func (ce *ClassifiedError) Error() string { return ce.Err.Error() }

func (ce *ClassifiedError) Unwrap() error { return ce.Err }

// classOf returns the class of the outermost ClassifiedError in err's
// chain.
func classOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorTransient
	}
	if matchesAny(err, transientSentinels) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, word := range transientWords {
		if strings.Contains(msg, word) {
			return true
		}
	}
	return false
}

// IsFatal reports whether err should stop the process.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorFatal
	}
	return matchesAny(err, fatalSentinels)
}

// IsInvalid reports whether err was caused by bad input or configuration.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorInvalid
	}
	return matchesAny(err, invalidSentinels)
}

// Classify returns the class of err. Anything unrecognized is transient.
func Classify(err error) ErrorClass {
	switch {
	case IsFatal(err):
		return ErrorFatal
	case IsInvalid(err):
		return ErrorInvalid
	default:
		return ErrorTransient
	}
}

// Wrap adds context in the form "component.method: action failed: err".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Err:       Wrap(err, component, method, action),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps err as retryable.
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapInvalid wraps err as bad input; retrying will not help.
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}

// WrapFatal wraps err as unrecoverable.
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}
