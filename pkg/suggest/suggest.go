// Package suggest drafts reply text for a conversation using Claude. The
// draft is placed in the composer for the agent to edit; it is never sent
// automatically.
package suggest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tinyland-inc/tinyinbox/pkg/inbox"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	defaultModel   = "claude-haiku-4-5"

	// How many trailing messages of the thread go into the prompt.
	historyWindow = 20
)

const systemPrompt = "You are drafting a reply on behalf of a customer support agent. " +
	"Write a short, friendly, professional reply to the customer's latest message. " +
	"Reply with the message text only, no preamble and no quotation marks."

type Suggester struct {
	client  *anthropic.Client
	model   string
	baseURL string
}

func NewSuggester(apiKey, model string) *Suggester {
	return NewSuggesterWithBaseURL(apiKey, model, "")
}

func NewSuggesterWithBaseURL(apiKey, model, apiBase string) *Suggester {
	baseURL := normalizeBaseURL(apiBase)
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
	)
	if model == "" {
		model = defaultModel
	}
	return &Suggester{
		client:  &client,
		model:   model,
		baseURL: baseURL,
	}
}

func NewSuggesterWithClient(client *anthropic.Client, model string) *Suggester {
	if model == "" {
		model = defaultModel
	}
	return &Suggester{client: client, model: model, baseURL: defaultBaseURL}
}

func (s *Suggester) Model() string   { return s.model }
func (s *Suggester) BaseURL() string { return s.baseURL }

// Draft produces a suggested reply for the thread. The last message should
// be from the customer; system notices are skipped.
func (s *Suggester) Draft(ctx context.Context, summary inbox.ConversationSummary, thread []inbox.Message) (string, error) {
	msgs := buildHistory(thread)
	if len(msgs) == 0 {
		return "", errors.New("no customer messages to reply to")
	}

	resp, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
			{Text: fmt.Sprintf("Customer: %s. Channel: %s.", summary.DisplayName, summary.Platform)},
		},
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("claude API call: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}

	draft := strings.TrimSpace(sb.String())
	if draft == "" {
		return "", errors.New("model returned an empty draft")
	}
	return draft, nil
}

// buildHistory maps the thread onto user/assistant turns. Customer messages
// become user turns, agent messages assistant turns. The history must start
// and end with a user turn for the draft request to make sense.
func buildHistory(thread []inbox.Message) []anthropic.MessageParam {
	if len(thread) > historyWindow {
		thread = thread[len(thread)-historyWindow:]
	}

	var msgs []anthropic.MessageParam
	for _, m := range thread {
		if m.IsSystemNotice || strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Sender {
		case inbox.SenderCustomer:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case inbox.SenderAgent:
			// No assistant turn before the first user turn.
			if len(msgs) == 0 {
				continue
			}
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	// Trailing assistant turns mean the agent spoke last; nothing to reply to.
	for len(msgs) > 0 && msgs[len(msgs)-1].Role != anthropic.MessageParamRoleUser {
		msgs = msgs[:len(msgs)-1]
	}
	return msgs
}

func normalizeBaseURL(apiBase string) string {
	base := strings.TrimSpace(apiBase)
	if base == "" {
		return defaultBaseURL
	}

	base = strings.TrimRight(base, "/")
	if b, ok := strings.CutSuffix(base, "/v1"); ok {
		base = b
	}
	if base == "" {
		return defaultBaseURL
	}

	return base
}
