// Package llmtest provides a scripted llm.Connector for tests.
package llmtest

import (
	"context"
	"iter"
	"sync"

	"github.com/roelfdiedericks/docgen/internal/llm"
	"github.com/roelfdiedericks/docgen/internal/types"
)

// Call records one SendStreaming invocation.
type Call struct {
	Token   string
	Model   string
	Prompt  string
	History []types.Turn // connection history at the time of the call
}

// Reply is what the fake streams back: Chunks in order, then Err if set.
type Reply struct {
	Chunks []string
	Err    error
	// Block makes the stream wait for ctx cancellation after the chunks.
	Block bool
}

// Connector answers each call with Respond. Safe for concurrent use.
type Connector struct {
	Respond func(Call) Reply

	mu       sync.Mutex
	calls    []Call
	connects []llm.ConnectRequest
}

// Text returns a Respond func that always succeeds with chunks.
func Text(chunks ...string) func(Call) Reply {
	return func(Call) Reply { return Reply{Chunks: chunks} }
}

func (c *Connector) Name() string { return "fake" }

func (c *Connector) Connect(ctx context.Context, req llm.ConnectRequest) (llm.Connection, error) {
	c.mu.Lock()
	req.History = types.CloneTurns(req.History)
	c.connects = append(c.connects, req)
	c.mu.Unlock()
	return &connection{parent: c, token: req.Token, model: req.Model, history: types.CloneTurns(req.History)}, nil
}

// Calls returns the recorded calls.
func (c *Connector) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Connects returns every ConnectRequest received.
func (c *Connector) Connects() []llm.ConnectRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.ConnectRequest(nil), c.connects...)
}

type connection struct {
	parent  *Connector
	token   string
	model   string
	history []types.Turn
}

func (f *connection) Model() string { return f.model }

func (f *connection) SendStreaming(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		call := Call{Token: f.token, Model: f.model, Prompt: prompt, History: types.CloneTurns(f.history)}
		f.parent.mu.Lock()
		f.parent.calls = append(f.parent.calls, call)
		respond := f.parent.Respond
		f.parent.mu.Unlock()

		reply := Reply{}
		if respond != nil {
			reply = respond(call)
		}

		var full string
		for _, ch := range reply.Chunks {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			full += ch
			if !yield(ch, nil) {
				return
			}
		}
		if reply.Block {
			<-ctx.Done()
			yield("", ctx.Err())
			return
		}
		if reply.Err != nil {
			yield("", reply.Err)
			return
		}
		f.history = append(f.history,
			types.Turn{Role: types.RoleUser, Content: prompt},
			types.Turn{Role: types.RoleModel, Content: full},
		)
	}
}
