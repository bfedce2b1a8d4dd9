// Package conversation orchestrates a single turn of the cube's dialogue:
// resolve the session, assemble the prompt, call the LLM, run any tools it
// asked for, feed the results back, and persist the exchange.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glitchcube/glitchcube/internal/llm"
	"github.com/glitchcube/glitchcube/internal/prompts"
	"github.com/glitchcube/glitchcube/internal/retry"
	"github.com/glitchcube/glitchcube/internal/session"
	"github.com/glitchcube/glitchcube/internal/tools"
)

// TurnRequest is one inbound user message plus addressing metadata.
type TurnRequest struct {
	Text      string
	SessionID string            // empty means start a new session
	Source    string            // where the message came from (api, voice, ...)
	Persona   string            // empty means the session's (or default) persona
	Context   map[string]string // ambient facts rendered into the system prompt
}

// Result is what a completed turn hands back to the caller.
type Result struct {
	SessionID            string  `json:"session_id"`
	ResponseText         string  `json:"response"`
	Persona              string  `json:"persona"`
	Cost                 float64 `json:"cost"`
	Tokens               int     `json:"tokens"`
	ContinueConversation bool    `json:"continue_conversation"`
}

// Orchestrator drives conversation turns. One instance serves all sessions.
type Orchestrator struct {
	client   llm.Client
	store    *session.Store
	prompts  *prompts.Assembler
	registry *tools.Registry
	executor *tools.Executor
	retry    *retry.Coordinator
	logger   *slog.Logger
}

// New creates an orchestrator. All collaborators are required except logger,
// which defaults to slog.Default().
func New(client llm.Client, store *session.Store, assembler *prompts.Assembler,
	registry *tools.Registry, executor *tools.Executor, coordinator *retry.Coordinator,
	logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		client:   client,
		store:    store,
		prompts:  assembler,
		registry: registry,
		executor: executor,
		retry:    coordinator,
		logger:   logger.With("component", "conversation"),
	}
}

// Converse runs one full turn. It returns an error only for fatal LLM
// failures (auth, validation) or retry exhaustion; tool failures are folded
// into the conversation and never abort the turn.
func (o *Orchestrator) Converse(ctx context.Context, req TurnRequest) (*Result, error) {
	start := time.Now()

	sess := o.store.FindOrCreate(req.SessionID, req.Source, req.Persona)
	persona := req.Persona
	if persona == "" {
		persona = sess.Persona
	}

	system := o.prompts.Generate(persona, req.Context)
	history := sess.MessagesForLLM(0)

	wire := make([]llm.Message, 0, len(history)+2)
	wire = append(wire, llm.Message{Role: "system", Content: system})
	wire = append(wire, history...)
	wire = append(wire, llm.Message{Role: "user", Content: req.Text})

	// The user message goes into the session before the LLM call so tool
	// results recorded mid-turn land after it in history.
	sess.AddMessage(session.Message{Role: "user", Content: req.Text})

	resp, err := o.complete(ctx, llm.Request{
		Messages: wire,
		Tools:    o.registry.Descriptors(),
	})
	if err != nil {
		return nil, fmt.Errorf("llm call: %w", err)
	}

	cost := resp.Cost
	promptTokens := resp.PromptTokens
	completionTokens := resp.CompletionTokens

	if resp.HasToolCalls() {
		calls := tools.Parse(resp)
		o.logger.Info("executing tool calls", "session_id", sess.ID, "count", len(calls))
		results := o.executor.Execute(ctx, calls, true)

		// Wire needs the assistant turn that requested the tools; the
		// session keeps only the tool results themselves.
		wire = append(wire, llm.Message{
			Role:      "assistant",
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		for _, r := range results {
			msg := llm.Message{
				Role:       "tool",
				Content:    r.Content(),
				ToolCallID: r.ToolCallID,
				ToolName:   r.ToolName,
			}
			wire = append(wire, msg)
			sess.AddMessage(session.Message{
				Role:       msg.Role,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
				ToolName:   msg.ToolName,
			})
		}

		// One recall round only. If the model asks for more tools here,
		// its text reply still ends the turn.
		resp, err = o.complete(ctx, llm.Request{Messages: wire})
		if err != nil {
			return nil, fmt.Errorf("llm recall: %w", err)
		}
		cost += resp.Cost
		promptTokens += resp.PromptTokens
		completionTokens += resp.CompletionTokens
	}

	continueConv := resp.ContinueConversation()
	if continueConv && resp.Parsed == nil && soundsLikeGoodbye(resp.Text) {
		continueConv = false
	}

	sess.AddMessage(session.Message{
		Role:             "assistant",
		Content:          resp.Text,
		Cost:             cost,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Persona:          persona,
	})

	o.logger.Info("turn complete",
		"session_id", sess.ID,
		"persona", persona,
		"tokens", promptTokens+completionTokens,
		"cost_usd", cost,
		"continue", continueConv,
		"duration", time.Since(start))

	return &Result{
		SessionID:            sess.ID,
		ResponseText:         resp.Text,
		Persona:              persona,
		Cost:                 cost,
		Tokens:               promptTokens + completionTokens,
		ContinueConversation: continueConv,
	}, nil
}

// complete invokes the LLM through the retry coordinator. Fatal errors and
// circuit-breaker rejections follow the coordinator's policy: fatal aborts
// immediately, everything else retries until exhaustion.
func (o *Orchestrator) complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	var resp *llm.Response
	err := o.retry.Do(ctx, "llm_complete", func(ctx context.Context) error {
		r, err := o.client.Complete(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// closingPhrases are checked only when the model returned no structured
// continuation flag. The list is deliberately short: a false "continue" just
// means the wake word is needed again, while a false "end" cuts someone off
// mid-conversation.
var closingPhrases = []string{
	"goodbye",
	"farewell",
	"bye for now",
	"see you later",
	"until next time",
}

func soundsLikeGoodbye(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range closingPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
