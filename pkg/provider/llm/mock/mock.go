// Package mock provides a test double for the llm.Executor interface.
//
// Use Executor in unit tests to verify that callers build the right
// [llm.Request] and to feed controlled responses without a live backend.
// All fields are safe to set before calling any method; mutating them during a
// concurrent call is the caller's responsibility.
//
// Example:
//
//	e := &mock.Executor{
//	    CompleteResponse: &llm.Response{Content: "Hello!"},
//	}
//	resp, err := e.Complete(ctx, req)
package mock

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/MrWong99/flowexec/pkg/provider/llm"
)

// Call records a single invocation of Complete or Stream.
type Call struct {
	// Ctx is the context passed to the method.
	Ctx context.Context
	// Req is the request passed to the method.
	Req llm.Request
}

// Executor is a mock implementation of llm.Executor.
// Zero values for response fields cause methods to return zero values and nil
// errors. Set Err fields to inject errors.
type Executor struct {
	mu sync.Mutex

	// ID is returned by Provider. Defaults to [llm.ProviderKimi].
	ID llm.ProviderID

	// CompleteResponse is returned by Complete. May be nil (returns nil, nil).
	CompleteResponse *llm.Response

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// StreamDeltas are concatenated into the stream returned by Stream. When
	// the stream is read to the end, the request's OnComplete is invoked with
	// the full content and StreamUsage.
	StreamDeltas []string

	// StreamUsage is handed to OnComplete.
	StreamUsage *llm.Tokens

	// StreamErr, if non-nil, is returned as the error from Stream.
	StreamErr error

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []Call

	// StreamCalls records every invocation of Stream in order.
	StreamCalls []Call
}

// Provider implements llm.Executor.
func (e *Executor) Provider() llm.ProviderID {
	if e.ID == "" {
		return llm.ProviderKimi
	}
	return e.ID
}

// Complete records the call and returns CompleteResponse, CompleteErr.
func (e *Executor) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CompleteCalls = append(e.CompleteCalls, Call{Ctx: ctx, Req: req})
	if e.CompleteErr != nil {
		return nil, e.CompleteErr
	}
	return e.CompleteResponse, nil
}

// Stream records the call and returns a stream over StreamDeltas.
func (e *Executor) Stream(ctx context.Context, req llm.Request) (*llm.StreamingExecution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.StreamCalls = append(e.StreamCalls, Call{Ctx: ctx, Req: req})
	if e.StreamErr != nil {
		return nil, e.StreamErr
	}
	content := strings.Join(e.StreamDeltas, "")
	return &llm.StreamingExecution{
		Stream: &reader{r: strings.NewReader(content), content: content, usage: e.StreamUsage, done: req.OnComplete},
		Model:  req.Model,
	}, nil
}

// Reset clears all recorded calls.
func (e *Executor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CompleteCalls = nil
	e.StreamCalls = nil
}

type reader struct {
	r       *strings.Reader
	content string
	usage   *llm.Tokens
	done    func(string, *llm.Tokens)
	once    sync.Once
}

func (r *reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err == io.EOF && r.done != nil {
		r.once.Do(func() { r.done(r.content, r.usage) })
	}
	return n, err
}

func (r *reader) Close() error { return nil }

var _ llm.Executor = (*Executor)(nil)
