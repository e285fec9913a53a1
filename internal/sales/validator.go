package sales

import (
	"math"
	"time"
)

// ExpiryWindowDays is the hard cutoff: lots expiring at or inside this many
// days may not be sold, regardless of requested quantity.
const ExpiryWindowDays = 30

const (
	ReasonExpiring          = "expired or expiring within 30 days"
	ReasonInsufficientStock = "insufficient stock in lot"
)

// Judgment is the outcome of a lot eligibility check.
type Judgment struct {
	Eligible      bool   `json:"eligible"`
	Reason        string `json:"reason,omitempty"`
	DaysRemaining int    `json:"days_remaining"`
}

// DaysRemaining counts whole days from now until expiry, rounding up.
// The reference point is midnight of the evaluation day, so the answer does
// not drift with the time of day.
func DaysRemaining(expiry, now time.Time) int {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return int(math.Ceil(expiry.Sub(today).Hours() / 24))
}

// CheckEligibility decides whether a lot may enter a sale. It is pure; the
// coordinator re-runs it against freshly locked data because client-side
// checks go stale the moment stock moves or a day passes.
func CheckEligibility(expiry time.Time, onHand, requested int64, now time.Time) Judgment {
	j := Judgment{DaysRemaining: DaysRemaining(expiry, now)}
	switch {
	case j.DaysRemaining <= ExpiryWindowDays:
		j.Reason = ReasonExpiring
	case requested > onHand:
		j.Reason = ReasonInsufficientStock
	default:
		j.Eligible = true
	}
	return j
}
