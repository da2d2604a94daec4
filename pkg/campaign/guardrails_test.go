package campaign

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardrailCheck(t *testing.T) {
	exec := &Execution{
		ID:        "camp-1",
		StartTime: time.Now(),
		Definition: &Definition{
			Guardrails: Guardrails{MaxRecipients: 2, MaxDurationMinutes: 60},
		},
	}
	assert.NoError(t, GuardrailCheck(exec))

	exec.Sent = 2
	err := GuardrailCheck(exec)
	require.Error(t, err)
	var gErr *GuardrailError
	require.ErrorAs(t, err, &gErr)
	assert.Equal(t, "recipient_limit", gErr.Reason)

	assert.NoError(t, GuardrailCheck(nil))
}

func TestGuardrailCheck_Duration(t *testing.T) {
	exec := &Execution{
		ID:        "camp-1",
		StartTime: time.Now().Add(-2 * time.Hour),
		Definition: &Definition{
			Guardrails: Guardrails{MaxDurationMinutes: 60},
		},
	}
	err := GuardrailCheck(exec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duration_exceeded")
}

func TestCanSend(t *testing.T) {
	exec := &Execution{
		Definition: &Definition{Guardrails: Guardrails{MaxRecipients: 1}},
	}
	assert.True(t, CanSend(exec))

	exec.Sent = 1
	assert.False(t, CanSend(exec))

	exec.Sent = 0
	exec.KillSwitchUsed = true
	assert.False(t, CanSend(exec))

	assert.True(t, CanSend(nil))
}
