package processor

import (
	"context"

	"videoarchiver/internal/queue"
)

// Processor performs the work for one queue item. Implementations must honour
// ctx cancellation and label failures with Wrap so the dispatcher can decide
// between retrying and failing the item.
type Processor interface {
	Process(ctx context.Context, item queue.Item) (map[string]string, error)
}

// Func adapts a plain function to Processor.
type Func func(ctx context.Context, item queue.Item) (map[string]string, error)

// Process implements Processor.
func (f Func) Process(ctx context.Context, item queue.Item) (map[string]string, error) {
	return f(ctx, item)
}
