package message

import "time"

// ProcessingContext is an immutable record threaded through the pipeline
// alongside the Message. Mutation is always copy-with-update: With* methods
// return a new value, preserving every prior field.
type ProcessingContext struct {
	Component        string
	HandlerType      string
	RetryCount       int
	FirstFailureTime time.Time
	Metadata         map[string]string
}

// NewProcessingContext starts a fresh context for the named component.
func NewProcessingContext(component string) ProcessingContext {
	return ProcessingContext{
		Component: component,
		Metadata:  map[string]string{},
	}
}

// WithHandler returns a copy naming the resolved handler type.
func (c ProcessingContext) WithHandler(handlerType string) ProcessingContext {
	cp := c.clone()
	cp.HandlerType = handlerType
	return cp
}

// WithFailure returns a copy with RetryCount incremented and, if this is the
// first recorded failure, FirstFailureTime set to now.
func (c ProcessingContext) WithFailure(now time.Time) ProcessingContext {
	cp := c.clone()
	cp.RetryCount++
	if cp.FirstFailureTime.IsZero() {
		cp.FirstFailureTime = now
	}
	return cp
}

// WithMetadata returns a copy with key=value merged into Metadata.
func (c ProcessingContext) WithMetadata(key, value string) ProcessingContext {
	cp := c.clone()
	cp.Metadata[key] = value
	return cp
}

func (c ProcessingContext) clone() ProcessingContext {
	meta := make(map[string]string, len(c.Metadata))
	for k, v := range c.Metadata {
		meta[k] = v
	}
	return ProcessingContext{
		Component:        c.Component,
		HandlerType:      c.HandlerType,
		RetryCount:       c.RetryCount,
		FirstFailureTime: c.FirstFailureTime,
		Metadata:         meta,
	}
}
