package observe

import (
	"fmt"
	"strings"

	"github.com/openrlm/rlm-go/types"
)

func FromRuntimeEvent(in types.Event) Event {
	e := Event{
		Timestamp: in.Timestamp,
		RunID:     in.RunID,
		SessionID: in.SessionID,
		SubID:     in.SubID,
		Provider:  in.Provider,
		ToolName:  in.ToolName,
		Message:   in.Message,
		Error:     in.Error,
		Attributes: map[string]any{
			"eventType": string(in.Type),
		},
	}
	if in.Iteration > 0 {
		e.Attributes["iteration"] = in.Iteration
	}
	if in.ToolCallID != "" {
		e.Attributes["toolCallId"] = in.ToolCallID
	}
	if in.Depth > 0 {
		e.Attributes["depth"] = in.Depth
	}

	eventType := string(in.Type)
	switch {
	case strings.Contains(eventType, "before_generate"), strings.Contains(eventType, "after_generate"):
		e.Kind = KindProvider
	case strings.Contains(eventType, "before_tool"), strings.Contains(eventType, "after_tool"):
		e.Kind = KindTool
	case strings.HasPrefix(eventType, "delegate."):
		e.Kind = KindDelegate
	case strings.HasPrefix(eventType, "resilience."):
		e.Kind = KindCircuit
	case strings.HasPrefix(eventType, "run."):
		e.Kind = KindRun
	default:
		e.Kind = KindCustom
	}
	if strings.Contains(eventType, "before") || strings.Contains(eventType, "started") || strings.Contains(eventType, "dispatched") {
		e.Status = StatusStarted
	}
	if strings.Contains(eventType, "after") || strings.Contains(eventType, "completed") || strings.Contains(eventType, "resolved") {
		e.Status = StatusCompleted
	}
	if strings.Contains(eventType, "failed") || strings.Contains(eventType, "timed_out") || strings.Contains(eventType, "dead_lettered") {
		e.Status = StatusFailed
	}
	if e.Status == "" {
		e.Status = StatusCompleted
	}

	e.SpanID = spanIDForRuntimeEvent(in)
	e.ParentSpanID = parentSpanIDForRuntimeEvent(in)
	e.Normalize()
	return e
}

func spanIDForRuntimeEvent(in types.Event) string {
	if in.RunID == "" {
		return ""
	}
	if in.SubID != "" {
		return fmt.Sprintf("%s:sub:%s", in.RunID, in.SubID)
	}
	if in.ToolCallID != "" {
		return fmt.Sprintf("%s:tool:%d:%s", in.RunID, in.Iteration, in.ToolCallID)
	}
	if in.ToolName != "" {
		return fmt.Sprintf("%s:tool:%s", in.RunID, in.ToolName)
	}
	if in.Iteration > 0 {
		return fmt.Sprintf("%s:gen:%d", in.RunID, in.Iteration)
	}
	return in.RunID
}

func parentSpanIDForRuntimeEvent(in types.Event) string {
	if in.RunID == "" {
		return ""
	}
	if in.SubID != "" || in.ToolCallID != "" {
		return fmt.Sprintf("%s:gen:%d", in.RunID, in.Iteration)
	}
	if in.ToolName != "" || in.Iteration > 0 {
		return in.RunID
	}
	return ""
}
