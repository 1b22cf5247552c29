package fhir

import (
	"fmt"
	"time"
)

// DatePrecision says how much of a FHIR date was actually given.
type DatePrecision int

const (
	PrecisionYear DatePrecision = iota
	PrecisionMonth
	PrecisionDay
)

// Date is a FHIR date value (YYYY, YYYY-MM or YYYY-MM-DD) with its precision
// preserved.
type Date struct {
	Time      time.Time
	Precision DatePrecision
}

var dateLayouts = []struct {
	layout    string
	precision DatePrecision
}{
	{"2006-01-02", PrecisionDay},
	{"2006-01", PrecisionMonth},
	{"2006", PrecisionYear},
}

// ParseDate parses a FHIR date of any precision.
func ParseDate(s string) (Date, error) {
	for _, l := range dateLayouts {
		if t, err := time.Parse(l.layout, s); err == nil {
			return Date{Time: t, Precision: l.precision}, nil
		}
	}
	return Date{}, fmt.Errorf("invalid date %q", s)
}

// Start returns the first instant of the period the date denotes: Jan 1 for a
// year, the first of the month for a year-month, midnight for a full date.
func (d Date) Start() time.Time {
	switch d.Precision {
	case PrecisionYear:
		return time.Date(d.Time.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	case PrecisionMonth:
		return time.Date(d.Time.Year(), d.Time.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(d.Time.Year(), d.Time.Month(), d.Time.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// StartDateTime renders Start as a second-precision local date-time, the form
// expected by the record linkage services.
func (d Date) StartDateTime() string {
	return d.Start().Format("2006-01-02T15:04:05")
}
