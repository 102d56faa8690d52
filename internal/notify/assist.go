package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/sashabaranov/go-openai"
)

const (
	defaultAssistTimeout = 10 * time.Second
	defaultAssistModel   = "gpt-4o-mini"

	assistSystemPrompt = "You summarize workflow SLA breaches for CRM operators. " +
		"Answer with a single short paragraph, no markdown."
)

// fallbackSummary is used whenever the completion service is unavailable or
// slow. Escalations must never block on the assistant.
func fallbackSummary(e Escalation) string {
	return fmt.Sprintf("Process instance %d (%s %s) breached its SLA at node %q: expected %.1fh, running %.1fh. Assigned to %s.",
		e.InstanceKey, e.EntityType, e.EntityId, e.NodeId, e.ExpectedHours, e.ActualHours, e.EscalateTo)
}

// SummaryClient asks an external completion service for a one-paragraph
// operator summary of a breach. Every call has a hard timeout and a
// hard-coded fallback; the sweep loop is never blocked by assistant latency.
type SummaryClient struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  hclog.Logger
}

func NewSummaryClient(apiKey string, baseURL string, model string, timeout time.Duration) *SummaryClient {
	if model == "" {
		model = defaultAssistModel
	}
	if timeout <= 0 {
		timeout = defaultAssistTimeout
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &SummaryClient{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		timeout: timeout,
		logger:  hclog.Default().Named("escalation-assist"),
	}
}

// Summarize never returns an error: on any failure it falls back to a
// deterministic template so the escalation still carries a usable summary.
func (c *SummaryClient) Summarize(ctx context.Context, escalation Escalation) string {
	if c == nil {
		return fallbackSummary(escalation)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"SLA breach detected. Entity: %s %s. Definition: %s. Stuck at node: %s. Expected completion in %.1f hours, running for %.1f hours. Escalated to: %s.",
		escalation.EntityType, escalation.EntityId, escalation.DefinitionId, escalation.NodeId,
		escalation.ExpectedHours, escalation.ActualHours, escalation.EscalateTo,
	)
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: assistSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		c.logger.Warn("completion request failed, using fallback summary", "instanceKey", escalation.InstanceKey, "error", err)
		return fallbackSummary(escalation)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		c.logger.Warn("completion returned no choices, using fallback summary", "instanceKey", escalation.InstanceKey)
		return fallbackSummary(escalation)
	}
	return resp.Choices[0].Message.Content
}
