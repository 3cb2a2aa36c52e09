package domain

import "time"

// Period is a normalized reporting period. Date is always the last day of
// the month so that monthly, quarterly and annual submissions align on a
// comparable boundary.
type Period struct {
	Date    time.Time `json:"date"`
	Year    int       `json:"year"`
	Quarter int       `json:"quarter"`
	Month   int       `json:"month"`
}

// NewPeriod builds the month-end period for year/month.
func NewPeriod(year, month int) Period {
	return Period{
		Date:    MonthEnd(year, month),
		Year:    year,
		Quarter: (month-1)/3 + 1,
		Month:   month,
	}
}

// MonthEnd returns the last day of the given month in UTC.
func MonthEnd(year, month int) time.Time {
	// Day zero of the next month.
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC)
}
