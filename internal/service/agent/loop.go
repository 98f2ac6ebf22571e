package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"taskpilot/internal/config"
	"taskpilot/internal/models"
	"taskpilot/internal/service/store"
)

const systemPrompt = `You are a helpful task management assistant.

Available tools:
- add_task(title, priority, category, due_date): Create a new task
- list_tasks(status, priority): Show tasks
- complete_task(task_id, completed): Mark done/undone
- delete_task(task_id): Remove a task
- update_task(task_id, ...): Modify task details

CRITICAL:
1. If the user asks for a task action (add, list, delete, etc.), you MUST call the appropriate tool.
2. If the user is just saying hello, asking general questions, or small talk, just respond normally without calling any tools.
3. Be brief and professional (max 2 sentences).`

const (
	fallbackNoProgress = "I'm sorry, I couldn't process that request properly. Could you please rephrase it?"
	fallbackProcessed  = "I've processed your request. You can check your task list to verify the changes."
	fallbackIterations = "I'm working on it, but it's taking longer than expected. Your task may have been added. Please check your task list."
	fallbackTimeout    = "The request timed out. Please try a simpler command or check if the task was completed."

	errClassMaxIterations = "max_iterations"
	errClassTimeout       = "timeout"
)

// TurnResult is the outcome of one chat turn. ErrorClass is empty on clean
// completion; otherwise it records why the loop bailed while Response still
// carries a user-facing reply.
type TurnResult struct {
	Response   string
	ToolCalls  []models.ToolCallRecord
	ErrorClass string
}

// modelSource yields a tool-calling model for one turn.
type modelSource interface {
	ChatModel(ctx context.Context) (model.ToolCallingChatModel, string, error)
}

// Runner executes bounded tool-calling turns. It holds no per-conversation
// state; every turn rebuilds its model and tools from scratch.
type Runner struct {
	cfg     *config.Config
	gateway modelSource
	store   *store.Service
}

// NewRunner builds the agent runner.
func NewRunner(cfg *config.Config, st *store.Service) *Runner {
	return &Runner{cfg: cfg, gateway: NewGateway(cfg), store: st}
}

// HistoryWindow reports how many trailing messages a turn receives.
func (r *Runner) HistoryWindow() int {
	return r.cfg.Agent.HistoryWindow
}

// RunTurn drives the think/act loop for one user message. A *ConfigError is
// returned when no provider is usable; every other failure is absorbed into
// a fallback TurnResult so the turn still yields a reply.
func (r *Runner) RunTurn(ctx context.Context, userID int64, history []models.Message, userMessage string) (*TurnResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.TurnTimeout())
	defer cancel()

	chatModel, provider, err := r.gateway.ChatModel(ctx)
	if err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			return nil, cfgErr
		}
		log.Printf("model init failed: %v", err)
		return errorTurn(err), nil
	}

	registry := NewRegistry(r.store, userID)
	modelWithTools, err := chatModel.WithTools(registry.Infos())
	if err != nil {
		log.Printf("bind tools failed: %v", err)
		return errorTurn(err), nil
	}

	messages := make([]*schema.Message, 0, r.cfg.Agent.HistoryWindow+2)
	messages = append(messages, schema.SystemMessage(systemPrompt))
	messages = append(messages, AssembleHistory(history, r.cfg.Agent.HistoryWindow)...)
	messages = append(messages, schema.UserMessage(userMessage))

	var toolCalls []models.ToolCallRecord
	for i := 0; i < r.cfg.Agent.MaxIterations; i++ {
		out, err := modelWithTools.Generate(ctx, messages)
		if err != nil {
			if isTimeout(ctx, err) {
				return &TurnResult{Response: fallbackTimeout, ErrorClass: errClassTimeout}, nil
			}
			log.Printf("%s generate failed: %v", provider, err)
			return errorTurn(err), nil
		}

		if len(out.ToolCalls) == 0 {
			response := strings.TrimSpace(out.Content)
			if response == "" {
				if len(toolCalls) == 0 {
					response = fallbackNoProgress
				} else {
					response = fallbackProcessed
				}
			}
			return &TurnResult{Response: response, ToolCalls: toolCalls}, nil
		}

		messages = append(messages, out)
		for _, tc := range out.ToolCalls {
			result := registry.Execute(ctx, tc.Function.Name, tc.Function.Arguments)
			toolCalls = append(toolCalls, models.ToolCallRecord{
				Tool:   tc.Function.Name,
				Args:   rawJSON(tc.Function.Arguments),
				Result: json.RawMessage(result),
			})
			messages = append(messages, schema.ToolMessage(result, tc.ID))
		}
		if ctx.Err() != nil {
			return &TurnResult{Response: fallbackTimeout, ToolCalls: toolCalls, ErrorClass: errClassTimeout}, nil
		}
	}

	return &TurnResult{Response: fallbackIterations, ToolCalls: toolCalls, ErrorClass: errClassMaxIterations}, nil
}

func errorTurn(err error) *TurnResult {
	return &TurnResult{
		Response:   fmt.Sprintf("I encountered an error: %s. Please try rephrasing your request.", err),
		ErrorClass: err.Error(),
	}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// rawJSON keeps tool arguments as raw JSON when the model produced valid
// JSON, and wraps them as a string otherwise so the record still encodes.
func rawJSON(s string) json.RawMessage {
	if json.Valid([]byte(s)) && strings.TrimSpace(s) != "" {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return json.RawMessage(quoted)
}
