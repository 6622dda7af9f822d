package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// HandlerFunc answers one request in a Stub.
type HandlerFunc func(req Request) (json.RawMessage, error)

// Stub is a programmable in-process Client for tests.
type Stub struct {
	mu       sync.Mutex
	handlers map[Task]HandlerFunc
	calls    []Request
}

// NewStub returns a stub with no handlers. Unhandled tasks fail.
func NewStub() *Stub {
	return &Stub{handlers: make(map[Task]HandlerFunc)}
}

// On installs fn as the handler for task.
func (s *Stub) On(task Task, fn HandlerFunc) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[task] = fn
	return s
}

// Respond makes task always answer with v encoded as JSON.
func (s *Stub) Respond(task Task, v any) *Stub {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("stub response for %s: %v", task, err))
	}
	return s.On(task, func(Request) (json.RawMessage, error) { return raw, nil })
}

// Fail makes task always return err.
func (s *Stub) Fail(task Task, err error) *Stub {
	return s.On(task, func(Request) (json.RawMessage, error) { return nil, err })
}

// Complete dispatches to the installed handler.
func (s *Stub) Complete(_ context.Context, req Request) (json.RawMessage, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	fn := s.handlers[req.Task]
	s.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("stub: no handler for %s", req.Task)
	}
	return fn(req)
}

// Calls returns the requests made for task so far.
func (s *Stub) Calls(task Task) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, c := range s.calls {
		if c.Task == task {
			out = append(out, c)
		}
	}
	return out
}

// Close is a no-op.
func (s *Stub) Close() error { return nil }

var (
	_ Client = (*Stub)(nil)
	_ Client = (*FixtureClient)(nil)
	_ Client = (*GrpcClient)(nil)
	_ Client = (*AnthropicClient)(nil)
	_ Client = (*GenAIClient)(nil)
)
