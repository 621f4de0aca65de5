// Package schedule computes the next trigger time of a Plan from its
// ScheduleOption and the previous trigger/feedback timestamps.
package schedule

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

// NoTrigger means the schedulable must not be triggered (yet).
var NoTrigger = time.Time{}

// State is the trigger history a calculator works from. Zero values mean
// "never happened".
type State struct {
	LastTriggerAt  time.Time
	LastFeedbackAt time.Time
}

// Calculator computes the next trigger time. A zero result is NoTrigger.
type Calculator interface {
	Next(opt types.ScheduleOption, st State, now time.Time) time.Time
}

// For returns the calculator for a schedule type.
func For(t types.ScheduleType) (Calculator, error) {
	switch t {
	case types.ScheduleFixedRate:
		return FixedRate{}, nil
	case types.ScheduleFixedDelay:
		return FixedDelay{}, nil
	case types.ScheduleCron:
		return Cron{}, nil
	}
	return nil, fmt.Errorf("%w: schedule type %q", types.ErrIllegalArgument, t)
}

// Next is a convenience wrapper resolving the calculator from the option.
func Next(opt types.ScheduleOption, st State, now time.Time) (time.Time, error) {
	c, err := For(opt.Type)
	if err != nil {
		return NoTrigger, err
	}
	return c.Next(opt, st, now), nil
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func ended(opt types.ScheduleOption, at time.Time) bool {
	return !opt.EndAt.IsZero() && at.After(opt.EndAt)
}

// FixedRate triggers every Interval measured from the previous trigger.
type FixedRate struct{}

func (FixedRate) Next(opt types.ScheduleOption, st State, now time.Time) time.Time {
	var at time.Time
	if st.LastTriggerAt.IsZero() {
		at = maxTime(opt.StartScheduleAt(), now)
	} else {
		if opt.Interval <= 0 {
			slog.Error("fixed rate schedule without interval", "option", opt)
			return NoTrigger
		}
		at = maxTime(st.LastTriggerAt.Add(opt.Interval), now)
	}
	if ended(opt, at) {
		return NoTrigger
	}
	return at
}

// FixedDelay triggers Interval after the previous instance completed; while
// the previous instance has not reported back it never triggers.
type FixedDelay struct{}

func (FixedDelay) Next(opt types.ScheduleOption, st State, now time.Time) time.Time {
	var at time.Time
	switch {
	case st.LastTriggerAt.IsZero():
		at = maxTime(opt.StartScheduleAt(), now)
	case st.LastFeedbackAt.IsZero() || st.LastFeedbackAt.Before(st.LastTriggerAt):
		return NoTrigger
	default:
		at = maxTime(st.LastFeedbackAt.Add(opt.Interval), now)
	}
	if ended(opt, at) {
		return NoTrigger
	}
	return at
}

// cronParser accepts an optional seconds field and @every/@daily descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron validates a cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", types.ErrIllegalArgument, expr, err)
	}
	return sched, nil
}

// Cron triggers on the next cron match after max(now, start).
type Cron struct{}

func (Cron) Next(opt types.ScheduleOption, st State, now time.Time) time.Time {
	sched, err := ParseCron(opt.Cron)
	if err != nil {
		slog.Error("parse cron expression failed", "cron", opt.Cron, "error", err)
		return NoTrigger
	}
	from := maxTime(now, opt.StartScheduleAt().Add(-time.Second))
	if !st.LastTriggerAt.IsZero() {
		from = maxTime(from, st.LastTriggerAt)
	}
	at := sched.Next(from)
	if at.IsZero() || ended(opt, at) {
		return NoTrigger
	}
	return at
}
