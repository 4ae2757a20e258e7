package testsupport

import (
	"context"
	"sync"

	"videoarchiver/internal/queue"
)

// Step is one scripted processor response.
type Step struct {
	Result map[string]string
	Err    error
	// Block waits for ctx cancellation before returning ctx.Err().
	Block bool
}

// ScriptedProcessor replays scripted responses per URL. URLs without a script
// (or whose script is exhausted) succeed immediately.
type ScriptedProcessor struct {
	mu      sync.Mutex
	scripts map[string][]Step
	calls   map[string]int
	started chan queue.Item
}

// NewScriptedProcessor returns an empty script.
func NewScriptedProcessor() *ScriptedProcessor {
	return &ScriptedProcessor{
		scripts: make(map[string][]Step),
		calls:   make(map[string]int),
		started: make(chan queue.Item, 64),
	}
}

// Script appends steps for url.
func (p *ScriptedProcessor) Script(url string, steps ...Step) *ScriptedProcessor {
	p.mu.Lock()
	p.scripts[url] = append(p.scripts[url], steps...)
	p.mu.Unlock()
	return p
}

// Calls returns how often url was processed.
func (p *ScriptedProcessor) Calls(url string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[url]
}

// Started delivers each item as processing begins.
func (p *ScriptedProcessor) Started() <-chan queue.Item {
	return p.started
}

// Process implements processor.Processor.
func (p *ScriptedProcessor) Process(ctx context.Context, item queue.Item) (map[string]string, error) {
	p.mu.Lock()
	p.calls[item.URL]++
	var step Step
	if steps := p.scripts[item.URL]; len(steps) > 0 {
		step = steps[0]
		p.scripts[item.URL] = steps[1:]
	}
	p.mu.Unlock()

	select {
	case p.started <- item:
	default:
	}

	if step.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if step.Err != nil {
		return nil, step.Err
	}
	if step.Result == nil {
		return map[string]string{"archived": item.URL}, nil
	}
	return step.Result, nil
}
