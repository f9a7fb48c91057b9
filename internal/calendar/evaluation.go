package calendar

import "time"

// Evaluation is every oracle answer for one instant.
type Evaluation struct {
	At                   time.Time `json:"at"`
	Timezone             string    `json:"timezone"`
	TradingDate          string    `json:"trading_date"`
	TradingDay           bool      `json:"trading_day"`
	Blackout             bool      `json:"blackout"`
	CollectionWindow     bool      `json:"collection_window"`
	ShouldCollect        bool      `json:"should_collect"`
	ShouldPause          bool      `json:"should_pause"`
	PastAnalysisDeadline bool      `json:"past_analysis_deadline"`
	MinutesUntilDeadline int       `json:"minutes_until_deadline"`
	NextDeadline         time.Time `json:"next_deadline"`
	MinutesUntilClose    int       `json:"minutes_until_close"`
}

// Evaluate answers every oracle question for now.
func (o *Oracle) Evaluate(now time.Time) Evaluation {
	p := o.Project(now)
	blackout := o.blackout(p)
	window := o.collectionWindow(p)
	untilDeadline := o.DelayUntilMinute(now, o.deadline, true)
	return Evaluation{
		At:                   now.In(o.loc),
		Timezone:             o.loc.String(),
		TradingDate:          p.TradingDate(),
		TradingDay:           o.trading[p.Weekday],
		Blackout:             blackout,
		CollectionWindow:     window,
		ShouldCollect:        window && !blackout,
		ShouldPause:          blackout,
		PastAnalysisDeadline: p.MinuteOfDay() >= o.deadline && !blackout,
		MinutesUntilDeadline: untilDeadline,
		NextDeadline:         o.NextMarketTime(now, o.deadline, true),
		MinutesUntilClose:    o.DelayUntilMinute(now, o.close, true),
	}
}
