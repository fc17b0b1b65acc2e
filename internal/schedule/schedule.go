// Package schedule computes recurrence instants for five-field cron
// expressions (minute, hour, day-of-month, month, day-of-week).
package schedule

import (
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	xerrors "AgentCron-Chain/internal/errors"
)

// CodeInvalidSchedule marks a malformed recurrence expression.
const CodeInvalidSchedule xerrors.Code = "INVALID_SCHEDULE"

// ErrInvalidSchedule is the sentinel matched with errors.Is.
var ErrInvalidSchedule = xerrors.New(CodeInvalidSchedule, "invalid schedule expression")

func init() {
	xerrors.Register(CodeInvalidSchedule, xerrors.Attributes{
		Message:   "invalid schedule expression",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// parser accepts exactly five fields; descriptors such as @daily are rejected.
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Calculator evaluates expressions in a fixed location.
type Calculator struct {
	loc *time.Location
}

// NewCalculator returns a Calculator bound to loc. A nil location means UTC.
func NewCalculator(loc *time.Location) *Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return &Calculator{loc: loc}
}

// Location reports the zone expressions are evaluated in.
func (c *Calculator) Location() *time.Location {
	if c == nil || c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// Next returns the soonest instant strictly after from that matches expr.
// When both day-of-month and day-of-week are restricted, a day matching
// either one qualifies.
func (c *Calculator) Next(expr string, from time.Time) (time.Time, error) {
	sched, err := parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(from.In(c.Location()))
	if next.IsZero() {
		return time.Time{}, xerrors.New(CodeInvalidSchedule, "schedule never fires: "+expr)
	}
	return next.UTC(), nil
}

var defaultCalculator = NewCalculator(time.UTC)

// NextRun evaluates expr in UTC.
func NextRun(expr string, from time.Time) (time.Time, error) {
	return defaultCalculator.Next(expr, from)
}

// Validate reports whether expr is a well-formed five-field expression.
func Validate(expr string) error {
	_, err := parse(expr)
	return err
}

func parse(expr string) (cronlib.Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, xerrors.New(CodeInvalidSchedule, "schedule expression is empty")
	}
	if strings.HasPrefix(trimmed, "@") || strings.HasPrefix(trimmed, "TZ=") || strings.HasPrefix(trimmed, "CRON_TZ=") {
		return nil, xerrors.New(CodeInvalidSchedule, "only five-field expressions are supported: "+trimmed)
	}
	sched, err := parser.Parse(trimmed)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidSchedule, err, "parse schedule "+trimmed)
	}
	return sched, nil
}
