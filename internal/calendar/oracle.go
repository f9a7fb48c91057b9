// Package calendar answers market-calendar gating questions (blackout,
// collection window, analysis deadline) in a configured timezone.
//
// Every evaluation projects the timestamp once into calendar fields of the
// configured location and compares minute-of-day integers, so host locale and
// daylight-saving transitions never leak into the arithmetic.
package calendar

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	// Embedded zone database so minimal containers can resolve schedule.timezone.
	_ "time/tzdata"
)

const minutesPerDay = 24 * 60

// Config is the static market calendar, usually loaded from the schedule section.
type Config struct {
	Timezone         string
	TradingDays      []int
	MarketOpen       string
	MarketClose      string
	AnalysisDeadline string
}

// ScheduleConfigError reports a malformed calendar setting. It is only ever
// produced while loading configuration.
type ScheduleConfigError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ScheduleConfigError) Error() string {
	return fmt.Sprintf("schedule.%s %q: %s", e.Field, e.Value, e.Reason)
}

// Projection is a timestamp broken into calendar fields of the oracle's timezone.
type Projection struct {
	Year    int
	Month   time.Month
	Day     int
	Hour    int
	Minute  int
	Weekday time.Weekday
}

// MinuteOfDay returns minutes elapsed since local midnight.
func (p Projection) MinuteOfDay() int {
	return p.Hour*60 + p.Minute
}

// TradingDate formats the projected calendar date as YYYY-MM-DD.
func (p Projection) TradingDate() string {
	return fmt.Sprintf("%04d-%02d-%02d", p.Year, int(p.Month), p.Day)
}

// Oracle evaluates schedule windows. It is immutable and safe for concurrent use.
type Oracle struct {
	loc      *time.Location
	trading  [7]bool
	open     int
	close    int
	deadline int
}

// New validates cfg and builds an Oracle. All failures are *ScheduleConfigError.
func New(cfg Config) (*Oracle, error) {
	tz := strings.TrimSpace(cfg.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, &ScheduleConfigError{Field: "timezone", Value: cfg.Timezone, Reason: err.Error()}
	}
	o := &Oracle{loc: loc}
	for _, day := range cfg.TradingDays {
		if day < 0 || day > 6 {
			return nil, &ScheduleConfigError{
				Field:  "trading_days",
				Value:  strconv.Itoa(day),
				Reason: "weekday index must be within 0..6",
			}
		}
		o.trading[day] = true
	}
	if o.open, err = ParseClock("market_open", cfg.MarketOpen); err != nil {
		return nil, err
	}
	if o.close, err = ParseClock("market_close", cfg.MarketClose); err != nil {
		return nil, err
	}
	if o.deadline, err = ParseClock("analysis_deadline", cfg.AnalysisDeadline); err != nil {
		return nil, err
	}
	if o.open > o.close {
		return nil, &ScheduleConfigError{
			Field:  "market_open",
			Value:  cfg.MarketOpen,
			Reason: "must not be later than market_close",
		}
	}
	return o, nil
}

// ParseClock converts an "HH:mm" string into minutes after midnight.
func ParseClock(field, value string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok || len(hh) == 0 || len(hh) > 2 || len(mm) != 2 {
		return 0, &ScheduleConfigError{Field: field, Value: value, Reason: "expected HH:mm"}
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, &ScheduleConfigError{Field: field, Value: value, Reason: "hour must be 00..23"}
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, &ScheduleConfigError{Field: field, Value: value, Reason: "minute must be 00..59"}
	}
	return hour*60 + minute, nil
}

// Location returns the configured timezone.
func (o *Oracle) Location() *time.Location {
	return o.loc
}

// AnalysisDeadline returns the deadline as minutes after midnight.
func (o *Oracle) AnalysisDeadline() int {
	return o.deadline
}

// MarketClose returns the close as minutes after midnight.
func (o *Oracle) MarketClose() int {
	return o.close
}

// Project breaks now into calendar fields of the configured timezone.
func (o *Oracle) Project(now time.Time) Projection {
	local := now.In(o.loc)
	return Projection{
		Year:    local.Year(),
		Month:   local.Month(),
		Day:     local.Day(),
		Hour:    local.Hour(),
		Minute:  local.Minute(),
		Weekday: local.Weekday(),
	}
}

// TradingDate is the calendar date now maps to in the configured timezone.
func (o *Oracle) TradingDate(now time.Time) string {
	return o.Project(now).TradingDate()
}

// IsTradingDay reports whether the projected weekday is a configured trading day.
func (o *Oracle) IsTradingDay(now time.Time) bool {
	return o.trading[o.Project(now).Weekday]
}

func (o *Oracle) blackout(p Projection) bool {
	if !o.trading[p.Weekday] {
		return false
	}
	m := p.MinuteOfDay()
	return m >= o.open && m < o.close
}

func (o *Oracle) collectionWindow(p Projection) bool {
	if !o.trading[p.Weekday] {
		return true
	}
	m := p.MinuteOfDay()
	if o.close <= o.deadline {
		return m >= o.close && m < o.deadline
	}
	return m >= o.close || m < o.deadline
}

// IsWithinBlackout is true on trading days between market open (inclusive)
// and market close (exclusive).
func (o *Oracle) IsWithinBlackout(now time.Time) bool {
	return o.blackout(o.Project(now))
}

// IsWithinCollectionWindow is true on non-trading days, and on trading days
// between market close and the analysis deadline, wrapping past midnight when
// the deadline is earlier in the day than the close.
func (o *Oracle) IsWithinCollectionWindow(now time.Time) bool {
	return o.collectionWindow(o.Project(now))
}

// ShouldCollect reports whether new snapshots may be captured.
func (o *Oracle) ShouldCollect(now time.Time) bool {
	p := o.Project(now)
	return o.collectionWindow(p) && !o.blackout(p)
}

// ShouldPause reports whether collection must be suspended.
func (o *Oracle) ShouldPause(now time.Time) bool {
	return o.IsWithinBlackout(now)
}

// IsPastAnalysisDeadline is true once the minute-of-day reaches the deadline
// outside of blackout.
func (o *Oracle) IsPastAnalysisDeadline(now time.Time) bool {
	p := o.Project(now)
	return p.MinuteOfDay() >= o.deadline && !o.blackout(p)
}

// ShouldRunAnalysis reports whether analysis is due.
func (o *Oracle) ShouldRunAnalysis(now time.Time, crawlComplete bool) bool {
	return crawlComplete || o.IsPastAnalysisDeadline(now)
}

// DelayUntilMarketTime returns the minutes until the next occurrence of
// target ("HH:mm"). Reaching target today counts as passed, so the result is
// always in the future.
func (o *Oracle) DelayUntilMarketTime(now time.Time, target string, requireTradingDay bool) (int, error) {
	minute, err := ParseClock("target", target)
	if err != nil {
		return 0, err
	}
	return o.DelayUntilMinute(now, minute, requireTradingDay), nil
}

// DelayUntilMinute is DelayUntilMarketTime for a pre-parsed minute-of-day.
func (o *Oracle) DelayUntilMinute(now time.Time, target int, requireTradingDay bool) int {
	p := o.Project(now)
	return o.daysUntil(p, target, requireTradingDay)*minutesPerDay + target - p.MinuteOfDay()
}

// daysUntil counts calendar days from p to the next occurrence of target.
func (o *Oracle) daysUntil(p Projection, target int, requireTradingDay bool) int {
	days := 0
	if p.MinuteOfDay() >= target {
		days = 1
	}
	if requireTradingDay {
		for i := 0; i < 7 && !o.trading[(int(p.Weekday)+days)%7]; i++ {
			days++
		}
	}
	return days
}

// NextMarketTime returns the instant of the next occurrence of target as a
// wall-clock time in the configured timezone. A target falling in a
// spring-forward gap resolves the way time.Date normalizes it.
func (o *Oracle) NextMarketTime(now time.Time, target int, requireTradingDay bool) time.Time {
	p := o.Project(now)
	days := o.daysUntil(p, target, requireTradingDay)
	return time.Date(p.Year, p.Month, p.Day+days, target/60, target%60, 0, 0, o.loc)
}

// DayBounds returns the [start, end) instants of a trading date in the
// configured timezone.
func (o *Oracle) DayBounds(tradingDate string) (time.Time, time.Time, error) {
	day, err := time.ParseInLocation(time.DateOnly, tradingDate, o.loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse trading date: %w", err)
	}
	return day, day.AddDate(0, 0, 1), nil
}

// RetentionCutoff returns the earliest trading date still inside a retention
// window of days calendar days ending at now's trading date.
func (o *Oracle) RetentionCutoff(now time.Time, days int) string {
	p := o.Project(now)
	cutoff := time.Date(p.Year, p.Month, p.Day-days, 12, 0, 0, 0, o.loc)
	return cutoff.Format(time.DateOnly)
}
