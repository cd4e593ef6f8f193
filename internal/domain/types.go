package domain

import "time"

type Status string

const (
	StatusPending Status = "pending"
	StatusPosted  Status = "posted"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further automatic transition applies.
func (s Status) Terminal() bool { return s == StatusPosted || s == StatusFailed }

type Period string

const (
	PeriodMinute Period = "minute"
	PeriodHour   Period = "hour"
	PeriodDay    Period = "day"
)

// Periods is ordered most-costly-to-exhaust first; budget checks walk it in
// this order so the caller learns the most restrictive active constraint.
var Periods = []Period{PeriodDay, PeriodHour, PeriodMinute}

type Post struct {
	ID          string
	Content     string
	DueAt       time.Time
	Status      Status
	Attempts    int
	NextRetryAt *time.Time
	ExternalID  *string
	LastError   *string
	PostedAt    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ResetForReschedule applies the edit rule: any content or due-time change
// re-activates the post and wipes its dispatch history, terminal or not.
func (p *Post) ResetForReschedule() {
	p.Status = StatusPending
	p.Attempts = 0
	p.NextRetryAt = nil
	p.LastError = nil
	p.ExternalID = nil
	p.PostedAt = nil
}

// PeriodUsage is one period's slice of the rate-budget snapshot.
type PeriodUsage struct {
	Used      int           `json:"used"`
	Limit     int           `json:"limit"`
	Remaining int           `json:"remaining"`
	ResetIn   time.Duration `json:"reset_in"`
}

type RateSnapshot map[Period]PeriodUsage
