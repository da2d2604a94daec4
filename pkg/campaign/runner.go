// Package campaign implements bulk outbound messaging.
//
// A campaign sends one message body to a list of conversations with
// guardrail enforcement (recipient cap, send rate, duration, kill switch).
// Delivery goes through the same send path as interactive replies.
package campaign

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinyland-inc/tinyinbox/pkg/inbox"
	"github.com/tinyland-inc/tinyinbox/pkg/logger"
)

// Status represents the current state of a campaign.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Guardrails defines safety constraints for campaign execution.
type Guardrails struct {
	MaxRecipients      int  `json:"max_recipients"`
	RatePerMinute      int  `json:"rate_per_minute"`
	MaxDurationMinutes int  `json:"max_duration_minutes"`
	KillSwitch         bool `json:"kill_switch"`
}

// DefaultGuardrails returns safe default guardrails.
func DefaultGuardrails() Guardrails {
	return Guardrails{
		MaxRecipients:      200,
		RatePerMinute:      30,
		MaxDurationMinutes: 60,
		KillSwitch:         true,
	}
}

// Definition describes a complete campaign.
type Definition struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Recipients []string   `json:"recipients"`
	Body       string     `json:"body"`
	Guardrails Guardrails `json:"guardrails"`
	Tags       []string   `json:"tags"`
}

// Execution tracks the runtime state of a campaign.
type Execution struct {
	ID             string
	Definition     *Definition
	Status         Status
	StartTime      time.Time
	EndTime        time.Time
	Sent           int
	Results        []SendResult
	Error          string
	KillSwitchUsed bool
}

// SendResult captures the outcome of one recipient send.
type SendResult struct {
	ConversationID string
	MessageID      string
	Duration       time.Duration
	Error          string
}

// MessageSender delivers one campaign message to a conversation.
type MessageSender interface {
	SendMessage(ctx context.Context, conversationID, content, correlationID string) (inbox.Message, error)
}

// Runner executes campaigns against the conversation backend.
type Runner struct {
	mu         sync.RWMutex
	sender     MessageSender
	executions map[string]*Execution
	cancel     map[string]context.CancelFunc
}

// NewRunner creates a new campaign runner.
func NewRunner(sender MessageSender) *Runner {
	return &Runner{
		sender:     sender,
		executions: make(map[string]*Execution),
		cancel:     make(map[string]context.CancelFunc),
	}
}

// Start begins executing a campaign asynchronously.
func (r *Runner) Start(ctx context.Context, def *Definition) (*Execution, error) {
	if def == nil {
		return nil, fmt.Errorf("campaign definition is nil")
	}
	if def.ID == "" {
		return nil, fmt.Errorf("campaign ID is required")
	}
	if def.Body == "" {
		return nil, fmt.Errorf("campaign body is required")
	}
	if len(def.Recipients) == 0 {
		return nil, fmt.Errorf("campaign must have at least one recipient")
	}
	if def.Guardrails.MaxRecipients > 0 && len(def.Recipients) > def.Guardrails.MaxRecipients {
		return nil, fmt.Errorf("campaign has %d recipients, guardrail allows %d",
			len(def.Recipients), def.Guardrails.MaxRecipients)
	}

	r.mu.Lock()
	if existing, exists := r.executions[def.ID]; exists && existing.Status == StatusRunning {
		r.mu.Unlock()
		return nil, fmt.Errorf("campaign %q is already running", def.ID)
	}

	exec := &Execution{
		ID:         def.ID,
		Definition: def,
		Status:     StatusRunning,
		StartTime:  time.Now(),
		Results:    make([]SendResult, 0, len(def.Recipients)),
	}
	r.executions[def.ID] = exec

	execCtx, cancelFn := context.WithTimeout(ctx,
		time.Duration(def.Guardrails.MaxDurationMinutes)*time.Minute)
	r.cancel[def.ID] = cancelFn
	r.mu.Unlock()

	go r.run(execCtx, exec)

	return exec, nil
}

// Stop activates the kill switch for a running campaign.
func (r *Runner) Stop(campaignID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, ok := r.executions[campaignID]
	if !ok {
		return fmt.Errorf("campaign %q not found", campaignID)
	}
	if exec.Status != StatusRunning {
		return fmt.Errorf("campaign %q is not running (status: %s)", campaignID, exec.Status)
	}

	exec.KillSwitchUsed = true
	exec.Status = StatusCanceled
	exec.EndTime = time.Now()

	if cancel, ok := r.cancel[campaignID]; ok {
		cancel()
		delete(r.cancel, campaignID)
	}

	logger.InfoCF("campaign", "Kill switch activated", map[string]any{
		"campaign_id": campaignID,
	})

	return nil
}

// GetStatus returns the current execution state of a campaign.
func (r *Runner) GetStatus(campaignID string) (*Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executions[campaignID]
	if !ok {
		return nil, fmt.Errorf("campaign %q not found", campaignID)
	}
	return exec, nil
}

// ListExecutions returns all campaign executions.
func (r *Runner) ListExecutions() []*Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Execution, 0, len(r.executions))
	for _, exec := range r.executions {
		result = append(result, exec)
	}
	return result
}

// run sends to each recipient in order, pacing by the rate guardrail.
func (r *Runner) run(ctx context.Context, exec *Execution) {
	defer func() {
		r.mu.Lock()
		delete(r.cancel, exec.ID)
		r.mu.Unlock()
	}()

	def := exec.Definition
	pace := sendInterval(&def.Guardrails)

	for i, conversationID := range def.Recipients {
		if ctx.Err() != nil {
			r.mu.Lock()
			if exec.Status == StatusRunning {
				exec.Status = StatusCanceled
				exec.Error = ctx.Err().Error()
			}
			exec.EndTime = time.Now()
			r.mu.Unlock()
			return
		}

		r.mu.RLock()
		reason := checkGuardrails(exec, &def.Guardrails)
		r.mu.RUnlock()
		if reason != "" {
			r.mu.Lock()
			if exec.Status == StatusRunning {
				exec.Status = StatusFailed
				exec.Error = fmt.Sprintf("guardrail: %s", reason)
			}
			exec.EndTime = time.Now()
			r.mu.Unlock()
			return
		}

		start := time.Now()
		msg, err := r.sender.SendMessage(ctx, conversationID, def.Body, uuid.NewString())

		result := SendResult{
			ConversationID: conversationID,
			Duration:       time.Since(start),
		}
		if err != nil {
			result.Error = err.Error()
			logger.WarnCF("campaign", "Send failed", map[string]any{
				"campaign_id":     exec.ID,
				"conversation_id": conversationID,
				"error":           err.Error(),
			})
		} else {
			result.MessageID = msg.ID
		}

		r.mu.Lock()
		exec.Results = append(exec.Results, result)
		if err == nil {
			exec.Sent++
		}
		r.mu.Unlock()

		if pace > 0 && i < len(def.Recipients)-1 {
			select {
			case <-ctx.Done():
			case <-time.After(pace):
			}
		}
	}

	r.mu.Lock()
	if exec.Status == StatusRunning {
		exec.Status = StatusCompleted
	}
	exec.EndTime = time.Now()
	r.mu.Unlock()

	logger.InfoCF("campaign", "Campaign completed", map[string]any{
		"campaign_id": exec.ID,
		"duration":    time.Since(exec.StartTime).String(),
		"sent":        exec.Sent,
		"recipients":  len(def.Recipients),
	})
}

func sendInterval(g *Guardrails) time.Duration {
	if g.RatePerMinute <= 0 {
		return 0
	}
	return time.Minute / time.Duration(g.RatePerMinute)
}

// checkGuardrails returns a halt reason if guardrails are exceeded, or empty string.
func checkGuardrails(exec *Execution, g *Guardrails) string {
	if exec.KillSwitchUsed {
		return "kill_switch_activated"
	}
	if g.MaxDurationMinutes > 0 {
		elapsed := time.Since(exec.StartTime)
		if int(elapsed.Minutes()) >= g.MaxDurationMinutes {
			return "duration_exceeded"
		}
	}
	if g.MaxRecipients > 0 && exec.Sent >= g.MaxRecipients {
		return "recipient_limit"
	}
	return ""
}
