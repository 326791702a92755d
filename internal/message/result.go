package message

// Result is the tagged outcome of a pipeline invocation. Expected failures
// are carried in Err, never thrown; only catastrophic faults unwind as
// panics instead of being carried in a Result.
type Result struct {
	ok      bool
	Data    any
	Err     error
	ErrText string
}

// Success builds an Ok result, optionally carrying response data.
func Success(data any) Result {
	return Result{ok: true, Data: data}
}

// Failure builds a failed result wrapping err, with an optional
// human-readable message (used when reconstructing a cached idempotent
// failure whose original error type cannot be rehydrated exactly).
func Failure(err error, text string) Result {
	return Result{ok: false, Err: err, ErrText: text}
}

// IsSuccess reports whether the result represents success.
func (r Result) IsSuccess() bool { return r.ok }

// Message returns the human-readable failure text, falling back to the
// wrapped error's message.
func (r Result) Message() string {
	if r.ErrText != "" {
		return r.ErrText
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	return ""
}
