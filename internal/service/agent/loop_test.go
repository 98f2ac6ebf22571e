package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"taskpilot/internal/config"
	"taskpilot/internal/models"
	"taskpilot/internal/service/store"
)

type fakeModel struct {
	// script answers Generate calls in order; the last entry repeats.
	script []*schema.Message
	err    error
	calls  int
}

func (m *fakeModel) Generate(ctx context.Context, in []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	idx := m.calls - 1
	if idx >= len(m.script) {
		idx = len(m.script) - 1
	}
	return m.script[idx], nil
}

func (m *fakeModel) Stream(ctx context.Context, in []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("stream not supported")
}

func (m *fakeModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return m, nil
}

type fakeSource struct {
	model model.ToolCallingChatModel
	err   error
}

func (s *fakeSource) ChatModel(ctx context.Context) (model.ToolCallingChatModel, string, error) {
	if s.err != nil {
		return nil, "", s.err
	}
	return s.model, "fake", nil
}

func newTestRunner(t *testing.T, st *store.Service, src modelSource) *Runner {
	t.Helper()
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	return &Runner{cfg: cfg, gateway: src, store: st}
}

func toolCallMessage(name, args string) *schema.Message {
	return &schema.Message{
		Role: schema.Assistant,
		ToolCalls: []schema.ToolCall{{
			ID: "call-1",
			Function: schema.FunctionCall{
				Name:      name,
				Arguments: args,
			},
		}},
	}
}

func TestRunTurnToolThenAnswer(t *testing.T) {
	st := newTestStore(t)
	userID := newTestUser(t, st, "alice@example.com")

	fm := &fakeModel{script: []*schema.Message{
		toolCallMessage("add_task", `{"title":"buy milk","priority":"high"}`),
		schema.AssistantMessage("Added buy milk to your list.", nil),
	}}
	runner := newTestRunner(t, st, &fakeSource{model: fm})

	result, err := runner.RunTurn(context.Background(), userID, nil, "add buy milk")
	if err != nil {
		t.Fatalf("RunTurn error: %v", err)
	}
	if result.Response != "Added buy milk to your list." || result.ErrorClass != "" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Tool != "add_task" {
		t.Fatalf("tool call not recorded: %+v", result.ToolCalls)
	}
	if !strings.Contains(string(result.ToolCalls[0].Result), `"success":true`) {
		t.Fatalf("tool result not captured: %s", result.ToolCalls[0].Result)
	}

	tasks, err := st.ListTasks(context.Background(), userID, store.TaskFilter{})
	if err != nil || len(tasks) != 1 || tasks[0].Title != "buy milk" {
		t.Fatalf("task not created through tool: %+v err=%v", tasks, err)
	}
	if fm.calls != 2 {
		t.Fatalf("expected 2 model calls, got %d", fm.calls)
	}
}

func TestRunTurnMaxIterations(t *testing.T) {
	st := newTestStore(t)
	userID := newTestUser(t, st, "alice@example.com")

	// A model that never stops calling tools hits the iteration cap.
	fm := &fakeModel{script: []*schema.Message{
		toolCallMessage("list_tasks", `{}`),
	}}
	runner := newTestRunner(t, st, &fakeSource{model: fm})

	result, err := runner.RunTurn(context.Background(), userID, nil, "loop forever")
	if err != nil {
		t.Fatalf("RunTurn error: %v", err)
	}
	if result.ErrorClass != errClassMaxIterations {
		t.Fatalf("expected max_iterations, got %q", result.ErrorClass)
	}
	if result.Response != fallbackIterations {
		t.Fatalf("unexpected fallback: %q", result.Response)
	}
	if fm.calls != config.DefaultMaxIterations {
		t.Fatalf("expected %d model calls, got %d", config.DefaultMaxIterations, fm.calls)
	}
	if len(result.ToolCalls) != config.DefaultMaxIterations {
		t.Fatalf("expected %d recorded tool calls, got %d", config.DefaultMaxIterations, len(result.ToolCalls))
	}
}

func TestRunTurnEmptyContentFallbacks(t *testing.T) {
	st := newTestStore(t)
	userID := newTestUser(t, st, "alice@example.com")

	// Empty final answer with no tool activity.
	fm := &fakeModel{script: []*schema.Message{
		schema.AssistantMessage("", nil),
	}}
	runner := newTestRunner(t, st, &fakeSource{model: fm})
	result, err := runner.RunTurn(context.Background(), userID, nil, "???")
	if err != nil {
		t.Fatalf("RunTurn error: %v", err)
	}
	if result.Response != fallbackNoProgress {
		t.Fatalf("expected rephrase fallback, got %q", result.Response)
	}

	// Empty final answer after a successful tool call.
	fm = &fakeModel{script: []*schema.Message{
		toolCallMessage("add_task", `{"title":"silent"}`),
		schema.AssistantMessage("", nil),
	}}
	runner = newTestRunner(t, st, &fakeSource{model: fm})
	result, err = runner.RunTurn(context.Background(), userID, nil, "add silent")
	if err != nil {
		t.Fatalf("RunTurn error: %v", err)
	}
	if result.Response != fallbackProcessed {
		t.Fatalf("expected processed fallback, got %q", result.Response)
	}
	if len(result.ToolCalls) != 1 {
		t.Fatalf("tool call missing: %+v", result.ToolCalls)
	}
}

func TestRunTurnModelError(t *testing.T) {
	st := newTestStore(t)
	userID := newTestUser(t, st, "alice@example.com")

	fm := &fakeModel{err: errors.New("upstream exploded")}
	runner := newTestRunner(t, st, &fakeSource{model: fm})
	result, err := runner.RunTurn(context.Background(), userID, nil, "hello")
	if err != nil {
		t.Fatalf("RunTurn error: %v", err)
	}
	if !strings.Contains(result.Response, "I encountered an error") {
		t.Fatalf("expected apologetic reply, got %q", result.Response)
	}
	if result.ErrorClass == "" {
		t.Fatalf("expected error class recorded")
	}
}

func TestRunTurnTimeoutClass(t *testing.T) {
	st := newTestStore(t)
	userID := newTestUser(t, st, "alice@example.com")

	fm := &fakeModel{err: errors.New("request timeout while waiting for model")}
	runner := newTestRunner(t, st, &fakeSource{model: fm})
	result, err := runner.RunTurn(context.Background(), userID, nil, "hello")
	if err != nil {
		t.Fatalf("RunTurn error: %v", err)
	}
	if result.ErrorClass != errClassTimeout || result.Response != fallbackTimeout {
		t.Fatalf("expected timeout fallback, got %+v", result)
	}
}

func TestRunTurnConfigError(t *testing.T) {
	st := newTestStore(t)
	userID := newTestUser(t, st, "alice@example.com")

	runner := newTestRunner(t, st, &fakeSource{err: &ConfigError{Reason: "no provider"}})
	_, err := runner.RunTurn(context.Background(), userID, nil, "hello")
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestRunTurnPassesHistory(t *testing.T) {
	st := newTestStore(t)
	userID := newTestUser(t, st, "alice@example.com")

	var seen []*schema.Message
	fm := &fakeModel{script: []*schema.Message{schema.AssistantMessage("ok", nil)}}
	recorder := &recordingModel{inner: fm, capture: func(in []*schema.Message) { seen = in }}
	runner := newTestRunner(t, st, &fakeSource{model: recorder})

	history := []models.Message{
		{Role: models.RoleUser, Content: "earlier question"},
		{Role: models.RoleAssistant, Content: "earlier answer"},
	}
	if _, err := runner.RunTurn(context.Background(), userID, history, "now"); err != nil {
		t.Fatalf("RunTurn error: %v", err)
	}
	// system + 2 history + current user message
	if len(seen) != 4 {
		t.Fatalf("expected 4 prompt messages, got %d", len(seen))
	}
	if seen[0].Role != schema.System {
		t.Fatalf("expected system prompt first, got %v", seen[0].Role)
	}
	if seen[3].Content != "now" {
		t.Fatalf("expected user message last, got %q", seen[3].Content)
	}
}

type recordingModel struct {
	inner   model.ToolCallingChatModel
	capture func([]*schema.Message)
}

func (m *recordingModel) Generate(ctx context.Context, in []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	if m.capture != nil {
		m.capture(in)
	}
	return m.inner.Generate(ctx, in, opts...)
}

func (m *recordingModel) Stream(ctx context.Context, in []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return m.inner.Stream(ctx, in, opts...)
}

func (m *recordingModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return m, nil
}
