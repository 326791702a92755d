package pipeline

import (
	"context"

	"go.corebus.dev/internal/errs"
	"go.corebus.dev/internal/message"
)

// Validator checks a message's Body before it reaches the handler.
// Implementations are registered per message Type by the caller; Validate
// returning a non-nil error fails the message with ErrValidationFailed
// without ever invoking the inner handler.
type Validator interface {
	Validate(ctx context.Context, msg message.Message) error
}

// ValidatorFunc adapts a plain function to the Validator interface.
type ValidatorFunc func(ctx context.Context, msg message.Message) error

func (f ValidatorFunc) Validate(ctx context.Context, msg message.Message) error { return f(ctx, msg) }

// Validation returns a decorator that runs validators[msg.Type] (if
// registered) before calling next. Message types with no registered
// validator pass through unchecked.
func Validation(validators map[string]Validator) Decorator {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg message.Message) message.Result {
			if v, ok := validators[msg.Type]; ok {
				if err := v.Validate(ctx, msg); err != nil {
					return message.Failure(errs.ErrValidationFailed, err.Error())
				}
			}
			return next(ctx, msg)
		}
	}
}
