package model

import "time"

// SessionStatus is the stored lifecycle state of a reconciliation session.
// It only advances pending → applied; expiry is derived at read time.
type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionApplied SessionStatus = "applied"
)

// DefaultSessionTTL bounds how long a session accepts changes.
const DefaultSessionTTL = 24 * time.Hour

// Session is a bounded-lifetime reconciliation workflow over one validation
// run and its valuation.
type Session struct {
	ID                string        `json:"id"`
	ValidationRunID   string        `json:"validation_run_id"`
	ValuationID       string        `json:"valuation_id"`
	Status            SessionStatus `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
	ExpiresAt         time.Time     `json:"expires_at"`
	AppliedAt         *time.Time    `json:"applied_at,omitempty"`
	RevaluationSource string        `json:"revaluation_source,omitempty"`
	Overrides         []Override    `json:"overrides"`
}

// IsExpired reports whether now is past the session's expiry.
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Override is one operator decision for a line item within a session.
// KeepOriginal=false follows the AI recommendation; true preserves
// OriginalSelected.
type Override struct {
	ID               string         `json:"id"`
	SessionID        string         `json:"session_id"`
	LineItemID       string         `json:"line_item_id"`
	Code             string         `json:"code"`
	AIRecommendation Recommendation `json:"ai_recommendation"`
	Verdict          VerdictStatus  `json:"verdict,omitempty"`
	Confidence       *float64       `json:"confidence,omitempty"`
	OriginalSelected bool           `json:"original_selected"`
	KeepOriginal     bool           `json:"keep_original"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// SessionSummary counts override decisions for display.
type SessionSummary struct {
	TotalChanges            int `json:"total_changes"`
	KeepingOriginal         int `json:"keeping_original"`
	FollowingRecommendation int `json:"following_recommendation"`
	RecommendedAdds         int `json:"recommended_adds"`
	RecommendedRemoves      int `json:"recommended_removes"`
}

// Summarize counts the session's overrides. A recommended add is a SELECT
// on an originally unselected item; a recommended remove is a DESELECT on an
// originally selected item.
func (s *Session) Summarize() SessionSummary {
	var sum SessionSummary
	for _, o := range s.Overrides {
		if o.KeepOriginal {
			sum.KeepingOriginal++
		} else {
			sum.FollowingRecommendation++
		}
		switch {
		case o.AIRecommendation == RecommendSelect && !o.OriginalSelected:
			sum.RecommendedAdds++
		case o.AIRecommendation == RecommendDeselect && o.OriginalSelected:
			sum.RecommendedRemoves++
		}
	}
	sum.TotalChanges = sum.RecommendedAdds + sum.RecommendedRemoves
	return sum
}
