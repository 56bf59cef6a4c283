package model

import (
	"math"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"

	"github.com/sells-group/bookout-recon/internal/apperr"
)

// VerdictStatus is the AI comparison outcome for one line item.
type VerdictStatus string

const (
	VerdictConfirmed      VerdictStatus = "CONFIRMED"
	VerdictPartialMatch   VerdictStatus = "PARTIAL_MATCH"
	VerdictNotFound       VerdictStatus = "NOT_FOUND"
	VerdictRequiresReview VerdictStatus = "REQUIRES_REVIEW"
	VerdictPackageItem    VerdictStatus = "PACKAGE_ITEM"
)

// Recommendation is the action the AI verdict implies for a line item.
type Recommendation string

const (
	RecommendSelect   Recommendation = "SELECT"
	RecommendDeselect Recommendation = "DESELECT"
	RecommendNoChange Recommendation = "NO_CHANGE"
)

// RecommendationFor maps a verdict to the action it recommends.
func RecommendationFor(status VerdictStatus) Recommendation {
	switch status {
	case VerdictConfirmed, VerdictPartialMatch:
		return RecommendSelect
	case VerdictNotFound:
		return RecommendDeselect
	default:
		return RecommendNoChange
	}
}

// Verdict is one per-line-item entry of the AI recommendation payload.
type Verdict struct {
	Code       string        `json:"code" yaml:"code" validate:"required,max=64"`
	Status     VerdictStatus `json:"status" yaml:"status" validate:"required"`
	Confidence float64       `json:"confidence" yaml:"confidence"`
	Notes      string        `json:"notes,omitempty" yaml:"notes" validate:"max=4000"`
}

// ValidationRun is one AI comparison execution against a valuation.
type ValidationRun struct {
	ID          string    `json:"id"`
	ValuationID string    `json:"valuation_id"`
	Source      string    `json:"source,omitempty"`
	Verdicts    []Verdict `json:"verdicts"`
	CreatedAt   time.Time `json:"created_at"`
}

// VerdictIndex returns the run's verdicts keyed by normalized code. When the
// payload repeats a code the first entry wins.
func (r *ValidationRun) VerdictIndex() map[string]Verdict {
	out := make(map[string]Verdict, len(r.Verdicts))
	for _, v := range r.Verdicts {
		key := NormalizeCode(v.Code)
		if _, ok := out[key]; ok {
			continue
		}
		out[key] = v
	}
	return out
}

// ClampConfidence forces a confidence score into 0..100. NaN becomes 0.
func ClampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c):
		return 0
	case c < 0:
		return 0
	case c > 100:
		return 100
	default:
		return c
	}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func verdictValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// ValidateVerdicts checks a recommendation payload for structural defects:
// missing codes or statuses and duplicate codes. Out-of-range confidence is
// not a defect; it is clamped instead.
func ValidateVerdicts(verdicts []Verdict) error {
	v := verdictValidator()
	seen := make(map[string]bool, len(verdicts))
	for i := range verdicts {
		if err := v.Struct(&verdicts[i]); err != nil {
			return eris.Wrapf(apperr.ErrInvalidInput, "verdict %d: %v", i, err)
		}
		key := NormalizeCode(verdicts[i].Code)
		if seen[key] {
			return eris.Wrapf(apperr.ErrInvalidInput, "verdict %d: duplicate code %q", i, verdicts[i].Code)
		}
		seen[key] = true
		verdicts[i].Confidence = ClampConfidence(verdicts[i].Confidence)
	}
	return nil
}
