package turn

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/relay-ai/relay/internal/config"
	"github.com/relay-ai/relay/internal/errdefs"
	"github.com/relay-ai/relay/internal/ports"
	"github.com/relay-ai/relay/internal/tools"
	"github.com/relay-ai/relay/pkg/models"
)

const truncationMarker = "… [truncated]"

// Terminal reasons the loop records when it stops before a natural
// completion.
const (
	terminalLLMCalls           = "max_llm_calls"
	terminalToolExecutions     = "max_tool_executions"
	terminalDeadline           = "deadline"
	terminalCancelled          = "cancelled"
	terminalToolFailure        = "tool_failure"
	terminalConfirmationDenied = "confirmation_denied"
	terminalPolicyDenied       = "tool_policy_denied"
)

// toolLoopStage drives the LLM/tool inner loop: call the model, execute any
// requested tools in the order returned, feed the results back, repeat until
// the model answers with plain content or a bound trips.
type toolLoopStage struct {
	deps *Deps
}

func (s *toolLoopStage) Name() string                 { return "tool_loop" }
func (s *toolLoopStage) Ordinal() int                 { return 50 }
func (s *toolLoopStage) Applies(tc *TurnContext) bool { return true }

func (s *toolLoopStage) Enabled(snap *config.Snapshot) bool { return true }

func (s *toolLoopStage) Process(ctx context.Context, tc *TurnContext) error {
	turnCfg := tc.Config.Turn
	sel := tc.Selection()
	registry := tc.Tools()

	deadline := turnCfg.Deadline
	if deadline <= 0 {
		deadline = time.Hour
	}
	loopCtx, cancel := context.WithDeadline(ctx, s.deps.Now().Add(deadline))
	defer cancel()
	execCtx := tools.WithConversationScope(loopCtx, tc.Conversation.Key())

	for {
		if err := loopCtx.Err(); err != nil {
			return s.terminate(tc, loopCtx, err)
		}
		if tc.LLMCalls >= turnCfg.MaxLLMCalls {
			s.appendCapMessage(tc, terminalLLMCalls,
				fmt.Sprintf("I had to stop after %d model calls this turn.", turnCfg.MaxLLMCalls))
			return nil
		}

		completion, err := s.callLLM(loopCtx, tc, sel, registry, turnCfg)
		if err != nil {
			if loopCtx.Err() != nil {
				return s.terminate(tc, loopCtx, err)
			}
			return err
		}

		assistant := models.Message{
			ID:        uuid.NewString(),
			Role:      models.RoleAssistant,
			Content:   completion.Content,
			ToolCalls: completion.ToolCalls,
			Model:     sel.Model,
			Tier:      sel.Tier,
			CreatedAt: s.deps.Now().UTC(),
		}
		tc.Conversation.Messages = append(tc.Conversation.Messages, assistant)

		if len(completion.ToolCalls) == 0 {
			return nil
		}

		stop, reason, err := s.executeBatch(execCtx, tc, registry, turnCfg, completion.ToolCalls)
		if err != nil {
			return err
		}
		if stop {
			if reason != "" {
				tc.Set(AttrTerminalReason, reason)
			}
			return nil
		}
	}
}

// callLLM submits one completion request and records its usage.
func (s *toolLoopStage) callLLM(ctx context.Context, tc *TurnContext, sel ModelSelection, registry *tools.Registry, turnCfg config.TurnConfig) (*ports.Completion, error) {
	callCtx := ctx
	if turnCfg.LLMCallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, turnCfg.LLMCallTimeout)
		defer cancel()
	}

	started := s.deps.Now()
	completion, err := s.deps.LLM.Complete(callCtx, &ports.CompletionRequest{
		Model:          sel.Model,
		System:         tc.SystemPrompt(),
		Messages:       tc.Conversation.Messages,
		Tools:          registry.Definitions(),
		ReasoningLevel: sel.Reasoning,
		Timeout:        turnCfg.LLMCallTimeout,
	})
	tc.LLMCalls++
	if err != nil {
		return nil, err
	}

	if s.deps.Usage != nil {
		s.deps.Usage.Record(ctx, models.UsageRecord{
			Provider:     s.deps.LLM.Name(),
			Model:        sel.Model,
			InputTokens:  completion.Usage.InputTokens,
			OutputTokens: completion.Usage.OutputTokens,
			TotalTokens:  completion.Usage.TotalTokens,
			Latency:      s.deps.Now().Sub(started),
			Timestamp:    started.UTC(),
		})
	}
	return completion, nil
}

// executeBatch runs one batch of tool calls in the order the model returned
// them, appending a tool message per call. It reports whether the loop must
// stop and why.
func (s *toolLoopStage) executeBatch(ctx context.Context, tc *TurnContext, registry *tools.Registry, turnCfg config.TurnConfig, calls []models.ToolCall) (bool, string, error) {
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return true, tc.TerminalReason(), s.terminate(tc, ctx, err)
		}
		if tc.ToolExecutions >= turnCfg.MaxToolExecutions {
			s.appendCapMessage(tc, terminalToolExecutions,
				fmt.Sprintf("I had to stop after %d tool executions this turn.", turnCfg.MaxToolExecutions))
			return true, terminalToolExecutions, nil
		}

		if !registry.Has(call.Name) {
			s.appendToolResult(tc, call, fmt.Sprintf("Error: tool %q is not available", call.Name))
			tc.ToolExecutions++
			if turnCfg.StopOnToolPolicyDenied {
				s.appendCapMessage(tc, terminalPolicyDenied,
					fmt.Sprintf("The model requested the unavailable tool %q, so I stopped.", call.Name))
				return true, terminalPolicyDenied, nil
			}
			continue
		}

		if denied := s.confirmationDenied(ctx, tc, registry, call, turnCfg); denied {
			s.appendToolResult(tc, call, "Error: the user declined this tool call")
			tc.ToolExecutions++
			if turnCfg.StopOnConfirmationDenied {
				s.appendCapMessage(tc, terminalConfirmationDenied,
					fmt.Sprintf("You declined the %s tool call, so I stopped here.", call.Name))
				return true, terminalConfirmationDenied, nil
			}
			continue
		}

		output, err := registry.Execute(ctx, call.Name, call.Input)
		tc.ToolExecutions++
		if err != nil {
			s.deps.Logger.Warn("tool execution failed",
				"tool", call.Name, "conversation", tc.Conversation.Key(), "error", err)
			s.appendToolResult(tc, call, "Error: "+err.Error())
			if turnCfg.StopOnToolFailure {
				s.appendCapMessage(tc, terminalToolFailure,
					fmt.Sprintf("The %s tool failed, so I stopped here.", call.Name))
				return true, terminalToolFailure, nil
			}
			continue
		}
		s.appendToolResult(tc, call, truncate(output, turnCfg.MaxToolResultChars))
	}
	return false, "", nil
}

// confirmationDenied evaluates the confirmation policy for a sensitive tool.
// A missing confirmer, a timeout, or an error all count as declined.
func (s *toolLoopStage) confirmationDenied(ctx context.Context, tc *TurnContext, registry *tools.Registry, call models.ToolCall, turnCfg config.TurnConfig) bool {
	if !turnCfg.ConfirmationEnabled {
		return false
	}
	sensitive := false
	for _, def := range registry.Definitions() {
		if def.Name == call.Name {
			sensitive = def.Sensitive
			break
		}
	}
	if !sensitive {
		return false
	}
	if s.deps.Confirm == nil {
		return true
	}
	approved, err := s.deps.Confirm.Request(ctx, call.Name, call.Input, turnCfg.ConfirmationTimeout)
	if err != nil {
		s.deps.Logger.Warn("confirmation request failed, treating as declined",
			"tool", call.Name, "error", err)
		return true
	}
	return !approved
}

func (s *toolLoopStage) appendToolResult(tc *TurnContext, call models.ToolCall, content string) {
	tc.Conversation.Messages = append(tc.Conversation.Messages, models.Message{
		ID:         uuid.NewString(),
		Role:       models.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		CreatedAt:  s.deps.Now().UTC(),
	})
}

// appendCapMessage records a synthesized assistant explanation for an early
// loop exit and tags the terminal reason.
func (s *toolLoopStage) appendCapMessage(tc *TurnContext, reason, text string) {
	tc.Set(AttrTerminalReason, reason)
	tc.Conversation.Messages = append(tc.Conversation.Messages, models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   text,
		CreatedAt: s.deps.Now().UTC(),
	})
}

// terminate handles deadline expiry and cancellation observed inside the
// loop. Cancellation surfaces as an error so the coordinator records it; a
// blown deadline becomes a normal terminal message.
func (s *toolLoopStage) terminate(tc *TurnContext, ctx context.Context, cause error) error {
	if ctx.Err() == context.DeadlineExceeded {
		s.appendCapMessage(tc, terminalDeadline,
			"This turn ran past its time budget, so I stopped here.")
		return nil
	}
	tc.Set(AttrTerminalReason, terminalCancelled)
	return errdefs.Wrap(errdefs.KindCancelled, "turn cancelled", cause)
}

// truncate caps a tool result; the marker stays visible to the model so it
// knows the output is partial. The cut backs up to a rune boundary.
func truncate(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + truncationMarker
}
