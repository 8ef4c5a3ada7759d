package codec

import (
	"errors"

	"github.com/BaSui01/flowrun/isolate/port"
)

// RemoteError is an error rebuilt from its serialized record. Name, message,
// stack and context survive the trip; the concrete Go type does not.
type RemoteError struct {
	Name       string
	Message    string
	StackTrace string
	Context    any
}

func (e *RemoteError) Error() string { return e.Message }

// ErrorName returns the error's kind, e.g. "TypeError" or "GraphError".
func (e *RemoteError) ErrorName() string { return e.Name }

// ErrorStack returns the stack text captured on the other side.
func (e *RemoteError) ErrorStack() string { return e.StackTrace }

// ErrorContext returns the structured context attached to the error.
func (e *RemoteError) ErrorContext() any { return e.Context }

// Is matches any target with the same message, so sentinels such as
// flow.ErrAborted still compare equal after crossing the boundary.
func (e *RemoteError) Is(target error) bool {
	return target != nil && target.Error() == e.Message
}

type namedError interface{ ErrorName() string }
type stackError interface{ ErrorStack() string }
type contextError interface{ ErrorContext() any }

func serializeError(err error, transfer *[]*port.Port) map[string]any {
	rec := map[string]any{
		TagKey:    TagError,
		"name":    "Error",
		"message": err.Error(),
		"stack":   "",
	}
	var named namedError
	if errors.As(err, &named) {
		rec["name"] = named.ErrorName()
	}
	var stacked stackError
	if errors.As(err, &stacked) {
		rec["stack"] = stacked.ErrorStack()
	}
	var withContext contextError
	if errors.As(err, &withContext) {
		if ctx := withContext.ErrorContext(); ctx != nil {
			rec["context"] = Serialize(ctx, transfer)
		}
	}
	return rec
}

func deserializeError(rec map[string]any, msg string) *RemoteError {
	e := &RemoteError{Name: "Error", Message: msg}
	if name, ok := rec["name"].(string); ok && name != "" {
		e.Name = name
	}
	if stack, ok := rec["stack"].(string); ok {
		e.StackTrace = stack
	}
	if ctx, ok := rec["context"]; ok {
		e.Context = Deserialize(ctx)
	}
	return e
}
