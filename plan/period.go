package plan

import "time"

// AddPeriods returns t advanced by n periods of the plan, each
// PeriodLength units long. Month and year arithmetic clamps to the last
// day of the target month, so Jan 31 + 1 month is Feb 28 (or 29).
func (p *Plan) AddPeriods(t time.Time, n int) time.Time {
	units := n * p.Length()
	switch p.PeriodType {
	case Hourly:
		return t.Add(time.Duration(units) * time.Hour)
	case Daily:
		return t.AddDate(0, 0, units)
	case Weekly:
		return t.AddDate(0, 0, 7*units)
	case Yearly:
		return addMonths(t, 12*units)
	default:
		return addMonths(t, units)
	}
}

// PeriodContaining returns the [start, end) window of the period that
// contains at, for a subscription whose periods are anchored at anchor.
// Times before anchor map to the first period.
func (p *Plan) PeriodContaining(anchor, at time.Time) (time.Time, time.Time) {
	if !at.After(anchor) {
		return anchor, p.AddPeriods(anchor, 1)
	}

	k := p.estimatePeriods(anchor, at)
	for k > 0 && p.AddPeriods(anchor, k).After(at) {
		k--
	}
	for !p.AddPeriods(anchor, k+1).After(at) {
		k++
	}
	return p.AddPeriods(anchor, k), p.AddPeriods(anchor, k+1)
}

// estimatePeriods guesses the number of whole periods between anchor
// and at without iterating from the anchor.
func (p *Plan) estimatePeriods(anchor, at time.Time) int {
	length := p.Length()
	switch p.PeriodType {
	case Hourly:
		return int(at.Sub(anchor)/time.Hour) / length
	case Daily:
		return int(at.Sub(anchor)/(24*time.Hour)) / length
	case Weekly:
		return int(at.Sub(anchor)/(7*24*time.Hour)) / length
	case Yearly:
		return monthsBetween(anchor, at) / (12 * length)
	default:
		return monthsBetween(anchor, at) / length
	}
}

func monthsBetween(from, to time.Time) int {
	return (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
}

func addMonths(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	first := time.Date(year, month+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysIn(first); day > last {
		day = last
	}
	return first.AddDate(0, 0, day-1)
}

func daysIn(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}
