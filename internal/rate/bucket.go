package rate

import (
	"time"

	"postflow/internal/domain"
)

// BucketKey derives the canonical window key for a period from an instant,
// in the configured civil timezone. Keys are a pure function of (period, now)
// so windows roll over without any reset job.
func BucketKey(period domain.Period, now time.Time, loc *time.Location) string {
	t := now.In(loc)
	switch period {
	case domain.PeriodDay:
		return t.Format("2006-01-02")
	case domain.PeriodHour:
		return t.Format("2006-01-02T15")
	default:
		return t.Format("2006-01-02T15:04")
	}
}

// BucketEnd returns the first instant belonging to the next bucket.
func BucketEnd(period domain.Period, now time.Time, loc *time.Location) time.Time {
	t := now.In(loc)
	switch period {
	case domain.PeriodDay:
		return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
	case domain.PeriodHour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute()+1, 0, 0, loc)
	}
}
