// Package taskerr defines the engine's typed error taxonomy.
//
// Every error the core subsystems return is a *Error carrying a kind,
// severity, recoverability, the operation that produced it, free-form
// context, and an optional wrapped cause — the same shape the teacher
// codebase uses for its store/git errors (NotFoundError, GitError),
// generalized to the full taxonomy the orchestration core needs.
package taskerr

import "fmt"

// Kind identifies one of the abstract error kinds in the taxonomy.
type Kind string

const (
	KindValidation         Kind = "ValidationError"
	KindDependencyCycle    Kind = "DependencyCycleError"
	KindDependencyNotReady Kind = "DependencyNotReady"
	KindUnknownTask        Kind = "UnknownTask"
	KindInvalidTransition  Kind = "InvalidTransition"
	KindEmptySchedule      Kind = "EmptySchedule"
	KindResourceOvercommit Kind = "ResourceOvercommit"
	KindLLMUnavailable     Kind = "LLMUnavailable"
	KindParseFailure       Kind = "ParseFailure"
	KindAgentDispatchError Kind = "AgentDispatchError"
	KindAgentTimeout       Kind = "AgentTimeout"
	KindConfigError        Kind = "ConfigError"
	KindCancelled          Kind = "Cancelled"
	KindInvalidTask        Kind = "InvalidTask"
)

// Severity ranks how urgently an error needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error is the concrete type behind every taxonomy kind.
type Error struct {
	Kind        Kind
	Message     string
	Recoverable bool
	Severity    Severity
	Operation   string
	Context     map[string]any
	Cause       error
}

func (e *Error) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("%s: %s: %s", e.Operation, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// WithContext returns a copy of e with a context key/value attached.
func (e *Error) WithContext(key string, value any) *Error {
	cp := *e
	cp.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	cp.Context[key] = value
	return &cp
}

// defaults maps each kind to its baseline severity/recoverability, per
// spec.md §7's taxonomy table.
var defaults = map[Kind]struct {
	Severity    Severity
	Recoverable bool
}{
	KindValidation:         {SeverityMedium, false},
	KindDependencyCycle:    {SeverityHigh, false},
	KindDependencyNotReady: {SeverityLow, true},
	KindUnknownTask:        {SeverityMedium, false},
	KindInvalidTransition:  {SeverityMedium, false},
	KindEmptySchedule:      {SeverityMedium, false},
	KindResourceOvercommit: {SeverityHigh, true},
	KindLLMUnavailable:     {SeverityMedium, true},
	KindParseFailure:       {SeverityMedium, true},
	KindAgentDispatchError: {SeverityHigh, true},
	KindAgentTimeout:       {SeverityMedium, true},
	KindConfigError:        {SeverityCritical, false},
	KindCancelled:          {SeverityLow, false},
	KindInvalidTask:        {SeverityMedium, false},
}

// New builds an *Error for kind with the kind's default severity and
// recoverability, scoped to operation.
func New(kind Kind, operation, message string) *Error {
	d := defaults[kind]
	return &Error{
		Kind:        kind,
		Message:     message,
		Recoverable: d.Recoverable,
		Severity:    d.Severity,
		Operation:   operation,
	}
}

// Wrap builds an *Error for kind wrapping cause.
func Wrap(kind Kind, operation, message string, cause error) *Error {
	e := New(kind, operation, message)
	e.Cause = cause
	return e
}

// Is reports whether err is a taxonomy error of the given kind.
func Is(err error, kind Kind) bool {
	var te *Error
	if e, ok := err.(*Error); ok {
		te = e
	} else {
		return false
	}
	return te.Kind == kind
}
