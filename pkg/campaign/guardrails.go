package campaign

// GuardrailCheck evaluates whether an execution violates any guardrails.
// Returns nil if all guardrails pass, or an error describing the violation.
func GuardrailCheck(exec *Execution) error {
	if exec == nil || exec.Definition == nil {
		return nil
	}
	reason := checkGuardrails(exec, &exec.Definition.Guardrails)
	if reason != "" {
		return &GuardrailError{Reason: reason, CampaignID: exec.ID}
	}
	return nil
}

// GuardrailError represents a guardrail violation.
type GuardrailError struct {
	Reason     string
	CampaignID string
}

func (e *GuardrailError) Error() string {
	return "campaign " + e.CampaignID + ": guardrail violation: " + e.Reason
}

// CanSend checks whether another send is permitted under the current guardrails.
func CanSend(exec *Execution) bool {
	if exec == nil || exec.Definition == nil {
		return true
	}
	if exec.KillSwitchUsed {
		return false
	}
	g := &exec.Definition.Guardrails
	if g.MaxRecipients > 0 && exec.Sent >= g.MaxRecipients {
		return false
	}
	return true
}
