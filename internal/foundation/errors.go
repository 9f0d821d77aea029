package foundation

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for retry and operator-surface decisions.
type Kind string

const (
	// KindNotReady indicates unmet preconditions (missing dump before
	// upload, missing build config, missing data folder). Not retried
	// automatically.
	KindNotReady Kind = "not_ready"
	// KindResourceConflict indicates an artifact already exists (diff
	// folder, snapshot name, plugin registration). Requires force/purge.
	KindResourceConflict Kind = "resource_conflict"
	// KindPluginSpec indicates a plugin manifest failed validation.
	KindPluginSpec Kind = "plugin_spec"
	// KindTransientIO indicates a network or partial bulk-write failure;
	// the next scheduled run retries from scratch.
	KindTransientIO Kind = "transient_io"
	// KindDataIntegrity indicates a bad document (oversized, missing or
	// mistyped _id). The document is skipped with a warning.
	KindDataIntegrity Kind = "data_integrity"
	// KindFatal indicates state corruption; propagates and fails the job.
	KindFatal Kind = "fatal"
)

// ClassifiedError provides structured error information with context.
type ClassifiedError struct {
	Kind    Kind
	Message string
	Context Fields
	Cause   error
	// Path is an optional JSON path locating the offending value,
	// used by manifest validation and the inspector.
	Path string
}

// Fields represents structured context data.
type Fields map[string]any

func (e *ClassifiedError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("at %s:", e.Path))
	}
	parts = append(parts, e.Message)
	if len(e.Context) > 0 {
		kv := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			kv = append(kv, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, "("+strings.Join(kv, " ")+")")
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying cause for error unwrapping.
func (e *ClassifiedError) Unwrap() error { return e.Cause }

// Retryable reports whether a later scheduled run may succeed without
// operator action.
func (e *ClassifiedError) Retryable() bool { return e.Kind == KindTransientIO }

// Is matches on kind so callers can write errors.Is(err, foundation.ErrNotReady).
func (e *ClassifiedError) Is(target error) bool {
	var ce *ClassifiedError
	if errors.As(target, &ce) {
		return ce.Kind == e.Kind && (ce.Message == "" || ce.Message == e.Message)
	}
	return false
}

// Kind sentinels for errors.Is matching.
var (
	ErrNotReady         = &ClassifiedError{Kind: KindNotReady}
	ErrResourceConflict = &ClassifiedError{Kind: KindResourceConflict}
	ErrPluginSpec       = &ClassifiedError{Kind: KindPluginSpec}
	ErrTransientIO      = &ClassifiedError{Kind: KindTransientIO}
	ErrDataIntegrity    = &ClassifiedError{Kind: KindDataIntegrity}
	ErrFatal            = &ClassifiedError{Kind: KindFatal}
)

// KindOf returns the kind of err if it is (or wraps) a ClassifiedError,
// otherwise KindFatal.
func KindOf(err error) Kind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindFatal
}

// ErrorBuilder provides a fluent interface for creating classified errors.
type ErrorBuilder struct {
	err *ClassifiedError
}

// NewError creates a new error builder.
func NewError(kind Kind, message string) *ErrorBuilder {
	return &ErrorBuilder{err: &ClassifiedError{Kind: kind, Message: message}}
}

// Shorthand constructors, one per kind.
func NotReady(msg string) *ErrorBuilder         { return NewError(KindNotReady, msg) }
func ResourceConflict(msg string) *ErrorBuilder { return NewError(KindResourceConflict, msg) }
func PluginSpec(msg string) *ErrorBuilder       { return NewError(KindPluginSpec, msg) }
func TransientIO(msg string) *ErrorBuilder      { return NewError(KindTransientIO, msg) }
func DataIntegrity(msg string) *ErrorBuilder    { return NewError(KindDataIntegrity, msg) }
func Fatal(msg string) *ErrorBuilder            { return NewError(KindFatal, msg) }

// WithCause sets the underlying cause.
func (b *ErrorBuilder) WithCause(cause error) *ErrorBuilder {
	b.err.Cause = cause
	return b
}

// WithContext adds one context field.
func (b *ErrorBuilder) WithContext(key string, value any) *ErrorBuilder {
	if b.err.Context == nil {
		b.err.Context = make(Fields)
	}
	b.err.Context[key] = value
	return b
}

// WithPath sets the JSON path locating the offending value.
func (b *ErrorBuilder) WithPath(path string) *ErrorBuilder {
	b.err.Path = path
	return b
}

// Build returns the classified error.
func (b *ErrorBuilder) Build() *ClassifiedError { return b.err }
