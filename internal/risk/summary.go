package risk

// RiskSummary is an overview of one user's risk state.
type RiskSummary struct {
	UserID           string          `json:"user_id"`
	RiskScore        float64         `json:"risk_score"`
	ActiveViolations int             `json:"active_violations"`
	Violations       []RiskViolation `json:"violations"`
	Account          *AccountState   `json:"account,omitempty"`
	Limits           *RiskLimits     `json:"limits,omitempty"`
	Halted           bool            `json:"halted"`
}

// Summary reports the open violations of a user with their weighted score,
// the cached account and limits, and whether an open kill switch exists.
func (e *Engine) Summary(userID string) RiskSummary {
	open := e.log.Unresolved(userID)
	s := RiskSummary{
		UserID:           userID,
		ActiveViolations: len(open),
		Violations:       open,
	}
	for _, v := range open {
		s.RiskScore += v.Severity.Weight()
		if v.Severity == SeverityKillSwitch {
			s.Halted = true
		}
	}
	if s.RiskScore > 1.0 {
		s.RiskScore = 1.0
	}
	if a, ok := e.book.Account(userID); ok {
		s.Account = &a
	}
	if l, ok := e.book.Limits(userID); ok {
		s.Limits = &l
	}
	return s
}
