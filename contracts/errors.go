package contracts

import (
	stderrors "errors"
	"fmt"
	"io"
	"reflect"

	"github.com/pkg/errors"
)

// Reserved payload fields of an encoded error
const (
	ErrorMarkerField  = "isError"
	ErrorMessageField = "message"
	ErrorNameField    = "name"
	ErrorStackField   = "stack"
)

// DefaultErrorName is used when an error has no better name
const DefaultErrorName = "Error"

// RemoteError is an error reconstructed from an encoded error payload
type RemoteError struct {
	Message string
	Name    string
	Stack   string
}

// NewRemoteError creates a remote error with the given name and message
func NewRemoteError(name, message string) *RemoteError {
	return &RemoteError{
		Message: message,
		Name:    name,
		Stack:   name + ": " + message,
	}
}

func (e *RemoteError) Error() string {
	return e.Message
}

// ErrorName implements Named
func (e *RemoteError) ErrorName() string {
	return e.Name
}

// Format prints the carried stack for %+v
func (e *RemoteError) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			io.WriteString(s, e.Stack)
			return
		}
		fallthrough
	case 's':
		io.WriteString(s, e.Message)
	case 'q':
		fmt.Fprintf(s, "%q", e.Message)
	}
}

// Named is implemented by errors that carry an explicit name
type Named interface {
	ErrorName() string
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// ErrorName returns the name an error is encoded with
func ErrorName(err error) string {
	if err == nil {
		return ""
	}
	var named Named
	if stderrors.As(err, &named) {
		if name := named.ErrorName(); name != "" {
			return name
		}
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Name() == "" {
		return DefaultErrorName
	}
	return t.Name()
}

// ErrorStack renders the trace string carried by an encoded error
func ErrorStack(err error) string {
	var remote *RemoteError
	if stderrors.As(err, &remote) && remote.Stack != "" {
		return remote.Stack
	}
	head := ErrorName(err) + ": " + err.Error()
	var tracer stackTracer
	if stderrors.As(err, &tracer) {
		return head + fmt.Sprintf("%+v", tracer.StackTrace())
	}
	return head
}

// EncodeError converts an error into a wire-safe payload. It returns nil for a nil error.
func EncodeError(err error) Payload {
	if err == nil {
		return nil
	}
	return Payload{
		ErrorMarkerField:  true,
		ErrorMessageField: err.Error(),
		ErrorNameField:    ErrorName(err),
		ErrorStackField:   ErrorStack(err),
	}
}

// IsErrorPayload reports whether the payload carries the error marker
func IsErrorPayload(p Payload) bool {
	marker, ok := p[ErrorMarkerField].(bool)
	return ok && marker
}

// DecodeError reconstructs an error from an encoded error payload.
// It returns nil when the payload is not an error.
func DecodeError(p Payload) error {
	if !IsErrorPayload(p) {
		return nil
	}
	message, _ := p[ErrorMessageField].(string)
	name, _ := p[ErrorNameField].(string)
	stack, _ := p[ErrorStackField].(string)
	if name == "" {
		name = DefaultErrorName
	}
	return &RemoteError{
		Message: message,
		Name:    name,
		Stack:   stack,
	}
}
