package timeseries

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Grain is the bucketing granularity of a window.
type Grain string

const (
	GrainDay   Grain = "day"
	GrainWeek  Grain = "week"
	GrainMonth Grain = "month"
)

// ErrInvalidWindow indicates a window that cannot be bucketed.
var ErrInvalidWindow = errors.New("timeseries: invalid window")

// Window is a half-open interval [Start, End) with a granularity.
type Window struct {
	Start time.Time
	End   time.Time
	Grain Grain
}

// New builds a window after normalising both bounds to UTC.
func New(start, end time.Time, grain Grain) Window {
	return Window{Start: start.UTC(), End: end.UTC(), Grain: grain}
}

// Validate checks for positive duration and a supported grain.
func (w Window) Validate() error {
	if !w.Start.Before(w.End) {
		return fmt.Errorf("%w: start %s is not before end %s", ErrInvalidWindow, w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	switch w.Grain {
	case GrainDay, GrainWeek, GrainMonth:
		return nil
	default:
		return fmt.Errorf("%w: unsupported grain %q", ErrInvalidWindow, w.Grain)
	}
}

// Contains reports whether t falls inside the half-open interval.
func (w Window) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(w.Start) && t.Before(w.End)
}

// Duration returns End - Start.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Key renders a stable identifier used for persistence and single-flight keys.
func (w Window) Key() string {
	return fmt.Sprintf("%s..%s/%s", w.Start.UTC().Format("2006-01-02T15:04:05Z"), w.End.UTC().Format("2006-01-02T15:04:05Z"), w.Grain)
}

// Closed reports whether the window has fully elapsed at the given instant.
func (w Window) Closed(now time.Time) bool {
	return !now.UTC().Before(w.End)
}

// Aligned snaps the window onto grain-period boundaries: Start moves back to
// PeriodStart and End moves forward to the next boundary unless already on
// one. The result covers exactly the periods Buckets emits.
func (w Window) Aligned() Window {
	start := PeriodStart(w.Start, w.Grain)
	end := PeriodStart(w.End, w.Grain)
	if !end.Equal(w.End.UTC()) {
		end = NextPeriod(end, w.Grain)
	}
	return Window{Start: start, End: end, Grain: w.Grain}
}

// Buckets splits the window into consecutive grain-aligned periods. The first
// period starts at PeriodStart(w.Start) so adjacent windows never produce
// overlapping periods.
func (w Window) Buckets() []Window {
	if w.Validate() != nil {
		return nil
	}
	var periods []Window
	cursor := PeriodStart(w.Start, w.Grain)
	for cursor.Before(w.End) {
		next := NextPeriod(cursor, w.Grain)
		periods = append(periods, Window{Start: cursor, End: next, Grain: w.Grain})
		cursor = next
	}
	return periods
}

// PeriodStart truncates t to the beginning of its grain period. Weeks start
// on Monday.
func PeriodStart(t time.Time, grain Grain) time.Time {
	t = t.UTC()
	switch grain {
	case GrainWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case GrainMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// NextPeriod returns the start of the period following the one starting at t.
func NextPeriod(start time.Time, grain Grain) time.Time {
	switch grain {
	case GrainWeek:
		return start.AddDate(0, 0, 7)
	case GrainMonth:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}

// PrevPeriod returns the start of the period preceding the one starting at t.
func PrevPeriod(start time.Time, grain Grain) time.Time {
	switch grain {
	case GrainWeek:
		return start.AddDate(0, 0, -7)
	case GrainMonth:
		return start.AddDate(0, -1, 0)
	default:
		return start.AddDate(0, 0, -1)
	}
}

// ParseTrailing interprets compact window expressions such as "30d" or "6m"
// as a trailing interval ending at now.
func ParseTrailing(expr string, now time.Time) (Window, error) {
	count, unit, err := splitExpr(expr)
	if err != nil {
		return Window{}, err
	}
	now = now.UTC()
	switch unit {
	case 'd':
		return Window{Start: now.AddDate(0, 0, -count), End: now, Grain: GrainDay}, nil
	case 'm':
		return Window{Start: now.AddDate(0, -count, 0), End: now, Grain: GrainMonth}, nil
	}
	return Window{}, fmt.Errorf("%w: unsupported window expression %q", ErrInvalidWindow, expr)
}

// ParseForward interprets "90d" or "6m" as a forward-looking interval
// starting at the beginning of the current month.
func ParseForward(expr string, now time.Time) (Window, error) {
	count, unit, err := splitExpr(expr)
	if err != nil {
		return Window{}, err
	}
	start := PeriodStart(now, GrainMonth)
	switch unit {
	case 'd':
		return Window{Start: start, End: now.UTC().AddDate(0, 0, count), Grain: GrainDay}, nil
	case 'm':
		return Window{Start: start, End: start.AddDate(0, count, 0), Grain: GrainMonth}, nil
	}
	return Window{}, fmt.Errorf("%w: unsupported window expression %q", ErrInvalidWindow, expr)
}

func splitExpr(expr string) (int, byte, error) {
	trimmed := strings.TrimSpace(strings.ToLower(expr))
	if len(trimmed) < 2 {
		return 0, 0, fmt.Errorf("%w: unsupported window expression %q", ErrInvalidWindow, expr)
	}
	unit := trimmed[len(trimmed)-1]
	count, err := strconv.Atoi(trimmed[:len(trimmed)-1])
	if err != nil || count <= 0 {
		return 0, 0, fmt.Errorf("%w: unsupported window expression %q", ErrInvalidWindow, expr)
	}
	return count, unit, nil
}
