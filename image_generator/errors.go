package image_generator

import (
	"errors"
	"fmt"

	"stable_diffusion_web/generation_queue"
	"stable_diffusion_web/stable_diffusion_api"
)

type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindBusy              ErrorKind = "busy"
	KindResourceExhausted ErrorKind = "resource_exhausted"
	KindGeneric           ErrorKind = "generic"
)

const (
	busyMessage = "A generation is already running for this session. Please wait for it to finish."

	outOfMemoryMessage    = "Generation failed: the GPU ran out of memory."
	outOfMemorySuggestion = "Try reducing 'Image Resolution', 'Base Resolution', 'Inference Steps' or 'Guidance Scale'."

	genericMessage    = "An error occurred while generating the image: %v"
	genericSuggestion = "Common causes: problems with the prompt. Try reducing 'Inference Steps' or 'Guidance Scale', or simplify your prompt."

	queueFullSuggestion = "The server is busy with other requests. Please try again in a moment."
)

// GenerationError is what callers show to the user. Message is always set,
// Suggestion only when there is a remediation hint.
type GenerationError struct {
	Kind       ErrorKind
	Message    string
	Suggestion string
	Err        error
}

func (e *GenerationError) Error() string {
	return e.Message
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Notices renders the error as an error notice followed by an optional warning.
func (e *GenerationError) Notices() []Notice {
	level := NoticeError
	if e.Kind == KindValidation || e.Kind == KindBusy {
		level = NoticeWarning
	}

	notices := []Notice{{Level: level, Message: e.Message}}

	if e.Suggestion != "" {
		notices = append(notices, Notice{Level: NoticeWarning, Message: e.Suggestion})
	}

	return notices
}

func classifyError(err error) *GenerationError {
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return genErr
	}

	switch {
	case errors.Is(err, stable_diffusion_api.ErrOutOfMemory):
		return &GenerationError{
			Kind:       KindResourceExhausted,
			Message:    outOfMemoryMessage,
			Suggestion: outOfMemorySuggestion,
			Err:        err,
		}
	case errors.Is(err, generation_queue.ErrQueueFull):
		return &GenerationError{
			Kind:       KindGeneric,
			Message:    fmt.Sprintf(genericMessage, err),
			Suggestion: queueFullSuggestion,
			Err:        err,
		}
	default:
		return &GenerationError{
			Kind:       KindGeneric,
			Message:    fmt.Sprintf(genericMessage, err),
			Suggestion: genericSuggestion,
			Err:        err,
		}
	}
}
