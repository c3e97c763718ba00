package pgtransit

import (
	"encoding/json"
	"sync"
)

// consumerEvents is the consumer's in-process observer registry.
// Semantics are fire-and-forget: observers run synchronously on the
// emitting goroutine and are never persisted.
type consumerEvents struct {
	mu        sync.Mutex
	process   []func(*Message)
	completed []func(*Message)
	failed    []func(*Message, error)
	progress  []func(*Message, json.RawMessage)
	idle      []func()
	consume   []func()
}

func (e *consumerEvents) emitProcess(m *Message) {
	for _, fn := range e.snapshotProcess() {
		fn(m)
	}
}

func (e *consumerEvents) emitCompleted(m *Message) {
	e.mu.Lock()
	observers := append(([]func(*Message))(nil), e.completed...)
	e.mu.Unlock()
	for _, fn := range observers {
		fn(m)
	}
}

func (e *consumerEvents) emitFailed(m *Message, err error) {
	e.mu.Lock()
	observers := append(([]func(*Message, error))(nil), e.failed...)
	e.mu.Unlock()
	for _, fn := range observers {
		fn(m, err)
	}
}

func (e *consumerEvents) emitProgress(m *Message, progress json.RawMessage) {
	e.mu.Lock()
	observers := append(([]func(*Message, json.RawMessage))(nil), e.progress...)
	e.mu.Unlock()
	for _, fn := range observers {
		fn(m, progress)
	}
}

func (e *consumerEvents) emitIdle() {
	e.mu.Lock()
	observers := append(([]func())(nil), e.idle...)
	e.mu.Unlock()
	for _, fn := range observers {
		fn()
	}
}

func (e *consumerEvents) emitConsume() {
	e.mu.Lock()
	observers := append(([]func())(nil), e.consume...)
	e.mu.Unlock()
	for _, fn := range observers {
		fn()
	}
}

func (e *consumerEvents) snapshotProcess() []func(*Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append(([]func(*Message))(nil), e.process...)
}

// OnProcess registers an observer invoked when a message is handed to
// the handler.
func (c *Consumer) OnProcess(fn func(*Message)) {
	c.events.mu.Lock()
	defer c.events.mu.Unlock()
	c.events.process = append(c.events.process, fn)
}

// OnCompleted registers an observer invoked after a message is
// acknowledged.
func (c *Consumer) OnCompleted(fn func(*Message)) {
	c.events.mu.Lock()
	defer c.events.mu.Unlock()
	c.events.completed = append(c.events.completed, fn)
}

// OnFailed registers an observer invoked after a handler failure is
// recorded.
func (c *Consumer) OnFailed(fn func(*Message, error)) {
	c.events.mu.Lock()
	defer c.events.mu.Unlock()
	c.events.failed = append(c.events.failed, fn)
}

// OnProgress registers an observer for handler progress reports.
func (c *Consumer) OnProgress(fn func(*Message, json.RawMessage)) {
	c.events.mu.Lock()
	defer c.events.mu.Unlock()
	c.events.progress = append(c.events.progress, fn)
}

// OnIdle registers an observer invoked when a drain ends with nothing
// reservable and nothing in flight.
func (c *Consumer) OnIdle(fn func()) {
	c.events.mu.Lock()
	defer c.events.mu.Unlock()
	c.events.idle = append(c.events.idle, fn)
}

// OnConsume registers an observer invoked whenever a drain is requested,
// whether by the poll loop or an explicit Consume.
func (c *Consumer) OnConsume(fn func()) {
	c.events.mu.Lock()
	defer c.events.mu.Unlock()
	c.events.consume = append(c.events.consume, fn)
}
