package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"videoarchiver/internal/queue"
)

var (
	// ErrTransient marks failures worth retrying (network, rate limits, timeouts).
	ErrTransient = errors.New("transient processing error")
	// ErrTerminal marks failures that will never succeed (removed or private content).
	ErrTerminal = errors.New("terminal processing error")
	// ErrTimeout marks an invocation that ran past its deadline.
	ErrTimeout = errors.New("processing timeout")
	// ErrPanic marks a recovered processor panic.
	ErrPanic = errors.New("processor panic")
)

// Wrap builds an error message that includes operation context while tagging
// it with marker for later classification. A nil marker means ErrTransient.
func Wrap(marker error, operation, message string, err error) error {
	detail := buildDetail(operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Recovered converts a recovered panic value into an ErrPanic error.
func Recovered(value any) error {
	if err, ok := value.(error); ok {
		return fmt.Errorf("%w: %w", ErrPanic, err)
	}
	return fmt.Errorf("%w: %v", ErrPanic, value)
}

// Classify maps a processor return into the queue outcome. Unlabelled errors
// are transient; only ErrTerminal fails an item without retry.
func Classify(result map[string]string, err error) queue.Outcome {
	if err == nil {
		return queue.Success(result)
	}
	detail := queue.ItemError{Message: err.Error()}
	switch {
	case errors.Is(err, ErrTerminal):
		detail.Kind = queue.ErrorTerminal
		return queue.TerminalFailure(detail)
	case errors.Is(err, ErrPanic):
		detail.Kind = queue.ErrorPanic
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		detail.Kind = queue.ErrorTimeout
	default:
		detail.Kind = queue.ErrorTransient
	}
	return queue.TransientFailure(detail)
}

func buildDetail(operation, message string) string {
	parts := make([]string, 0, 2)
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "processing failure"
	}
	return strings.Join(parts, ": ")
}
