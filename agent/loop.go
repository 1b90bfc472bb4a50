package agent

import (
	"context"
	"errors"
	"io"

	"github.com/agentmesh/runtime/block"
	"github.com/agentmesh/runtime/hooks"
	"github.com/agentmesh/runtime/interrupt"
	"github.com/agentmesh/runtime/provider"
	"github.com/agentmesh/runtime/session"
	"github.com/agentmesh/runtime/telemetry"
	"github.com/agentmesh/runtime/tool"
)

// run drives the state machine described in spec.md §4.1 for a single
// invocation, delivering every event on h and terminating with exactly one
// Done value before closing h.events.
func (a *Agent) run(ctx context.Context, input Input, h *Handle) {
	defer close(h.events)

	var span telemetry.Span
	if a.cfg.Tracer != nil {
		ctx, span = a.cfg.Tracer.Start(ctx, "agent.invoke")
	}

	runID := newRunID()
	var outcomeErr error
	defer func() { telemetry.EndSpan(span, outcomeErr) }()

	messages, resumeToolPhase, err := a.prepareInvocation(input)
	if err != nil {
		outcomeErr = err
		h.setErr(err)
		h.send(ctx, Done{Result: Result{StopReason: StopReasonInterrupted}})
		return
	}

	if err := a.beginRun(ctx, runID); err != nil {
		outcomeErr = err
		h.setErr(err)
		h.send(ctx, Done{Result: Result{StopReason: StopReasonInterrupted}})
		return
	}

	executor := &tool.Executor{
		Registry: a.cfg.Tools,
		Hooks:    a.cfg.Hooks,
		Logger:   a.cfg.Logger,
		Tracer:   a.cfg.Tracer,
		Emit: func(toolUseID string, event any) {
			h.send(ctx, ToolStreamEvent{ToolUseID: toolUseID, Payload: event})
		},
	}
	guard := tool.NewGuard()

	var usage Usage
	cycleID := 1
	if resumeToolPhase {
		cycleID = a.suspendedCycleID
	}
	overflowRetried := false

	beforeInvocation := hooks.NewEvent(hooks.BeforeInvocation, "agent.invocation", runID)
	beforeInvocation.RunID = runID
	if interrupts := a.dispatch(ctx, beforeInvocation); len(interrupts) > 0 {
		a.recordRunStatus(ctx, runID, session.RunStatusPaused)
		result := Result{StopReason: StopReasonInterrupted, Usage: usage, Interrupts: interrupts}
		h.send(ctx, Done{Result: result})
		return
	}

	for {
		select {
		case <-ctx.Done():
			result := a.finishInvocation(ctx, runID, Result{StopReason: StopReasonInterrupted, Usage: usage}, ctx.Err())
			outcomeErr = ctx.Err()
			h.setErr(outcomeErr)
			a.recordRunStatus(ctx, runID, session.RunStatusCanceled)
			h.send(ctx, Done{Result: result})
			return
		default:
		}

		var assistantMsg block.Message
		var stopReason provider.StopReason

		if resumeToolPhase {
			// The previous invocation suspended mid tool-phase: the loop
			// continues from the point of suspension (spec §4.1) rather than
			// re-invoking the model for a message whose tool uses are already
			// on record.
			resumeToolPhase = false
			assistantMsg = a.lastMessage()
			stopReason = provider.StopReasonToolUse
		} else {
			beforeModel := hooks.NewEvent(hooks.BeforeModelCall, "agent.beforeModel", runID)
			beforeModel.RunID, beforeModel.CycleID = runID, cycleID
			if interrupts := a.dispatch(ctx, beforeModel); len(interrupts) > 0 {
				a.recordRunStatus(ctx, runID, session.RunStatusPaused)
				result := Result{StopReason: StopReasonInterrupted, Usage: usage, Interrupts: interrupts}
				h.send(ctx, Done{Result: result})
				return
			}

			var cycleUsage Usage
			var cycleErr error
			assistantMsg, stopReason, cycleUsage, cycleErr = a.invokeModel(ctx, h, runID, messages)
			if cycleErr != nil {
				if errors.Is(cycleErr, provider.ErrContextWindowOverflow) && !overflowRetried {
					overflowRetried = true
					reduced, reduceErr := a.cfg.Conversation.ReduceContext(messages, cycleErr)
					if reduceErr == nil {
						messages = reduced
						a.replaceMessages(reduced)
						continue
					}
					cycleErr = reduceErr
				}
				afterModel := hooks.NewEvent(hooks.AfterModelCall, "agent.afterModel", runID)
				afterModel.RunID, afterModel.CycleID = runID, cycleID
				afterModel.ModelError = cycleErr
				a.dispatch(ctx, afterModel)

				result := a.finishInvocation(ctx, runID, Result{StopReason: StopReasonInterrupted, Usage: usage}, cycleErr)
				outcomeErr = cycleErr
				h.setErr(outcomeErr)
				a.recordRunStatus(ctx, runID, session.RunStatusFailed)
				h.send(ctx, Done{Result: result})
				return
			}
			usage.add(cycleUsage)

			afterModel := hooks.NewEvent(hooks.AfterModelCall, "agent.afterModel", runID)
			afterModel.RunID, afterModel.CycleID = runID, cycleID
			afterModel.StopReason = string(stopReason)
			res := a.dispatchResult(ctx, afterModel)
			if len(res.Interrupts) > 0 {
				a.recordRunStatus(ctx, runID, session.RunStatusPaused)
				result := Result{StopReason: StopReasonInterrupted, Usage: usage, Interrupts: res.Interrupts}
				h.send(ctx, Done{Result: result})
				return
			}
			if afterModel.Retry {
				continue
			}

			a.appendMessage(assistantMsg)
			messages = append(messages, assistantMsg)
			a.emitMessageAdded(ctx, h, runID, cycleID, assistantMsg)
		}

		toolUses := assistantMsg.ToolUses()
		if len(toolUses) > 0 {
			outcomes, interrupts, toolErr := executor.Run(ctx, runID, cycleID, toolUses, a.cfg.Policy, guard, a.interrupts)
			if toolErr != nil {
				result := a.finishInvocation(ctx, runID, Result{StopReason: StopReasonInterrupted, LastMessage: assistantMsg, Usage: usage}, toolErr)
				outcomeErr = toolErr
				h.setErr(outcomeErr)
				a.recordRunStatus(ctx, runID, session.RunStatusFailed)
				h.send(ctx, Done{Result: result})
				return
			}
			if len(interrupts) > 0 {
				a.suspendedCycleID = cycleID
				a.recordRunStatus(ctx, runID, session.RunStatusPaused)
				result := Result{StopReason: StopReasonInterrupted, LastMessage: assistantMsg, Usage: usage, Interrupts: interrupts}
				h.send(ctx, Done{Result: result})
				return
			}

			userMsg := tool.ResultMessage(outcomes)
			a.appendMessage(userMsg)
			messages = append(messages, userMsg)
			a.emitMessageAdded(ctx, h, runID, cycleID, userMsg)
		}

		cycleID++

		if stopReason == provider.StopReasonMaxTokens {
			err := &MaxTokensError{CycleID: cycleID - 1}
			result := a.finishInvocation(ctx, runID, Result{StopReason: StopReasonMaxTokens, LastMessage: assistantMsg, Usage: usage}, err)
			outcomeErr = err
			h.setErr(outcomeErr)
			a.recordRunStatus(ctx, runID, session.RunStatusFailed)
			h.send(ctx, Done{Result: result})
			return
		}
		if (stopReason == provider.StopReasonEndTurn || stopReason == provider.StopReasonStopSequence) && len(toolUses) == 0 {
			result := a.finishInvocation(ctx, runID, Result{StopReason: mapTerminalStopReason(stopReason), LastMessage: assistantMsg, Usage: usage}, nil)
			a.recordRunStatus(ctx, runID, session.RunStatusCompleted)
			h.send(ctx, Done{Result: result})
			return
		}

		reduced, applyErr := a.cfg.Conversation.ApplyManagement(messages)
		if applyErr == nil {
			messages = reduced
			a.replaceMessages(reduced)
		}
	}
}

// prepareInvocation appends a fresh user message (non-resume input) or
// resolves interrupt responses (resume input) and returns the message
// history the first cycle should use, plus whether this invocation must
// resume directly into the tool phase (spec §4.1: a resume whose last
// message is an assistant turn with unresolved tool uses continues from
// the point of suspension rather than calling the model again).
func (a *Agent) prepareInvocation(input Input) ([]block.Message, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if input.isResume() {
		for _, r := range input.Resume {
			a.interrupts.Resolve(r.ID, r.Response)
		}
		resumeToolPhase := false
		if n := len(a.messages); n > 0 {
			last := a.messages[n-1]
			if last.Role == block.RoleAssistant && len(last.ToolUses()) > 0 {
				resumeToolPhase = true
			}
		}
		return append([]block.Message(nil), a.messages...), resumeToolPhase, nil
	}

	if input.Text == "" && len(input.Blocks) == 0 {
		return nil, false, errInvalidInput
	}
	msg := input.message()
	if err := msg.Validate(); err != nil {
		return nil, false, err
	}
	a.messages = append(a.messages, msg)
	return append([]block.Message(nil), a.messages...), false, nil
}

func (a *Agent) appendMessage(msg block.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, msg)
}

// replaceMessages swaps the agent's stored history for reduced, as produced
// by the Conversation Manager (spec §4.5): the manager prunes the real
// history, not just a per-request view.
func (a *Agent) replaceMessages(reduced []block.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append([]block.Message(nil), reduced...)
}

func (a *Agent) emitMessageAdded(ctx context.Context, h *Handle, runID string, cycleID int, msg block.Message) {
	evt := hooks.NewEvent(hooks.MessageAdded, "agent.message", runID)
	evt.RunID, evt.CycleID = runID, cycleID
	evt.Message = &msg
	a.dispatch(ctx, evt)
	h.send(ctx, MessageAdded{Message: msg})
}

// finishInvocation dispatches AfterInvocation (reverse order) before
// returning result unchanged, matching the Terminate transition (spec
// §4.1). cause, when non-nil, is only used to decide whether a terminal
// error should additionally be recorded on the event; the result's
// StopReason is the caller's decision.
func (a *Agent) finishInvocation(ctx context.Context, runID string, result Result, cause error) Result {
	evt := hooks.NewEvent(hooks.AfterInvocation, "agent.invocation", runID)
	evt.RunID = runID
	if cause != nil {
		evt.ModelError = cause
	}
	a.dispatch(ctx, evt)
	return result
}

// dispatch runs the hook registry for evt using this agent's InterruptState
// and returns any interrupts raised.
func (a *Agent) dispatch(ctx context.Context, evt *hooks.Event) []*interrupt.Interrupt {
	return a.dispatchResult(ctx, evt).Interrupts
}

func (a *Agent) dispatchResult(ctx context.Context, evt *hooks.Event) hooks.Result {
	if a.cfg.Hooks == nil {
		return hooks.Result{}
	}
	return a.cfg.Hooks.Dispatch(ctx, evt, a.interrupts)
}

func mapTerminalStopReason(r provider.StopReason) StopReason {
	if r == provider.StopReasonStopSequence {
		return StopReasonStopSequence
	}
	return StopReasonEndTurn
}

// invokeModel runs one model call: it builds the request, streams the
// provider's events, forwards each as a ModelEvent, and accumulates the
// assistant message under construction (spec §4.1 InvokeModel).
func (a *Agent) invokeModel(ctx context.Context, h *Handle, runID string, messages []block.Message) (block.Message, provider.StopReason, Usage, error) {
	var span telemetry.Span
	if a.cfg.Tracer != nil {
		ctx, span = a.cfg.Tracer.Start(ctx, "agent.modelCall")
	}
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	req := a.buildRequest(messages)
	s, streamErr := a.cfg.Provider.Stream(ctx, req)
	if streamErr != nil {
		err = streamErr
		return block.Message{}, "", Usage{}, err
	}
	defer s.Close()

	builder := newMessageBuilder()
	var usage Usage
	var stopReason provider.StopReason

	for {
		evt, recvErr := s.Recv()
		if recvErr != nil {
			if recvErr == io.EOF {
				break
			}
			err = recvErr
			return block.Message{}, "", usage, err
		}

		streamEvt := hooks.NewEvent(hooks.ModelStreamEvent, "agent.modelStream", runID)
		streamEvt.RunID = runID
		streamEvt.StreamPayload = evt
		a.dispatch(ctx, streamEvt)
		h.send(ctx, ModelEvent{Event: evt})

		switch v := evt.(type) {
		case provider.ContentBlockStart:
			builder.start(v)
		case provider.ContentBlockDelta:
			builder.delta(v)
		case provider.MessageStop:
			stopReason = v.StopReason
		case provider.Metadata:
			if v.Usage != nil {
				usage.InputTokens += v.Usage.InputTokens
				usage.OutputTokens += v.Usage.OutputTokens
				usage.TotalTokens += v.Usage.TotalTokens
			}
		}
	}

	return builder.build(), stopReason, usage, nil
}

// buildRequest assembles a provider.Request from the agent's configuration
// and current history plus the tools currently registered.
func (a *Agent) buildRequest(messages []block.Message) provider.Request {
	tools := a.cfg.Tools.Tools()
	specs := make([]provider.ToolSpec, len(tools))
	for i, t := range tools {
		specs[i] = provider.ToolSpec{Name: t.Name(), Description: t.Description(), InputSchema: t.InputSchema()}
	}
	return provider.Request{
		Messages:     messages,
		SystemPrompt: a.cfg.SystemPrompt,
		ToolSpecs:    specs,
		Model:        a.cfg.Model,
		Temperature:  a.cfg.Temperature,
		MaxTokens:    a.cfg.MaxTokens,
	}
}
