package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leadfoundry/enrich/pkg/adapters"
	"github.com/leadfoundry/enrich/pkg/llm"
	"github.com/leadfoundry/enrich/pkg/models"
	"github.com/leadfoundry/enrich/pkg/retry"
)

// scriptedProvider returns canned replies in order and records every
// request it saw.
type scriptedProvider struct {
	mu      sync.Mutex
	replies []scriptedReply
	calls   []llm.Request
}

type scriptedReply struct {
	text string
	err  error
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if len(p.replies) == 0 {
		return &llm.Response{Text: `{}`, PromptTokens: 1, CompletionTokens: 1}, nil
	}
	reply := p.replies[0]
	p.replies = p.replies[1:]
	if reply.err != nil {
		return nil, reply.err
	}
	return &llm.Response{Text: reply.text, PromptTokens: 1, CompletionTokens: 1}, nil
}

func (p *scriptedProvider) requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.calls...)
}

func newTaskService(provider llm.Provider) *llm.Service {
	cfg := llm.ServiceConfig{
		DefaultModel: "scripted-model",
		Models: map[string]llm.ModelConfig{
			"scripted-model": {Provider: "scripted", SearchCapable: true},
		},
		Retry: retry.Config{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}
	return llm.NewService(cfg, map[string]llm.Provider{"scripted": provider}, nil, nil)
}

// recordingEmitter captures every callback event in order.
type recordingEmitter struct {
	mu     sync.Mutex
	events []*models.CallbackEvent
}

func (e *recordingEmitter) Emit(_ context.Context, event *models.CallbackEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func (e *recordingEmitter) all() []*models.CallbackEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*models.CallbackEvent(nil), e.events...)
}

func (e *recordingEmitter) terminal(t *testing.T) *models.CallbackEvent {
	t.Helper()
	events := e.all()
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	return events[len(events)-1]
}

// fakeColumns serves columns from a map.
type fakeColumns struct {
	columns map[string]*models.Column
}

func (f *fakeColumns) GetColumn(_ context.Context, id string) (*models.Column, error) {
	column, ok := f.columns[id]
	if !ok {
		return nil, fmt.Errorf("column %s not found", id)
	}
	return column, nil
}

// fakeActivity serves one canned activity payload per URL.
type fakeActivity struct {
	mu       sync.Mutex
	payloads map[string]*adapters.ActivityPayload
	err      error
	calls    []string
}

func (f *fakeActivity) RecentActivity(_ context.Context, linkedinURL, _ string) (*adapters.ActivityPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, linkedinURL)
	if f.err != nil {
		return nil, f.err
	}
	return f.payloads[linkedinURL], nil
}

// fakeResults collects stored events.
type fakeResults struct {
	mu     sync.Mutex
	stored []*models.CallbackEvent
}

func (f *fakeResults) Store(_ context.Context, event *models.CallbackEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, event)
	return nil
}

func (f *fakeResults) all() []*models.CallbackEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.CallbackEvent(nil), f.stored...)
}

func contextData(t *testing.T, perEntity map[string]map[string]any) map[string]json.RawMessage {
	t.Helper()
	out := make(map[string]json.RawMessage, len(perEntity))
	for id, ctx := range perEntity {
		raw, err := json.Marshal(ctx)
		if err != nil {
			t.Fatalf("marshal context for %s: %v", id, err)
		}
		out[id] = raw
	}
	return out
}
