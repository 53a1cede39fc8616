package service

import (
	"time"

	"github.com/rylieai/handover/internal/domain/handover"
)

// businessElapsed returns how much of [from, to) falls inside the schedule's
// opening hours. Outside opening hours the clock is paused.
func businessElapsed(s handover.Schedule, from, to time.Time) time.Duration {
	if !to.After(from) {
		return 0
	}
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}

	var total time.Duration
	lf := from.In(loc)
	day := time.Date(lf.Year(), lf.Month(), lf.Day(), 0, 0, 0, 0, loc)
	for !day.After(to) {
		if s.Days[day.Weekday()] {
			open := atClock(day, s.Start)
			closing := atClock(day, s.End)
			lo, hi := maxTime(open, from), minTime(closing, to)
			if hi.After(lo) {
				total += hi.Sub(lo)
			}
		}
		day = time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, loc)
	}
	return total
}

// businessDeadline returns the earliest time at which remaining opening-hours
// time will have accrued after from. It never falls outside opening hours
// unless remaining is zero.
func businessDeadline(s handover.Schedule, from time.Time, remaining time.Duration) time.Time {
	if remaining <= 0 {
		return from
	}
	if s.End <= s.Start || !hasOpenDay(s) {
		return from.Add(remaining)
	}
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}

	lf := from.In(loc)
	day := time.Date(lf.Year(), lf.Month(), lf.Day(), 0, 0, 0, 0, loc)
	for {
		if s.Days[day.Weekday()] {
			open := maxTime(atClock(day, s.Start), from)
			closing := atClock(day, s.End)
			if closing.After(open) {
				avail := closing.Sub(open)
				if remaining <= avail {
					return open.Add(remaining)
				}
				remaining -= avail
			}
		}
		day = time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, loc)
	}
}

func hasOpenDay(s handover.Schedule) bool {
	for _, open := range s.Days {
		if open {
			return true
		}
	}
	return false
}

// atClock returns the wall-clock time of day on day's date. Built from
// hour and minute so DST transitions keep the local opening time.
func atClock(day time.Time, offset time.Duration) time.Time {
	h := int(offset / time.Hour)
	m := int((offset % time.Hour) / time.Minute)
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, day.Location())
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
