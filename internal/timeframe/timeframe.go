// Package timeframe computes the named date ranges used to bound a listing.
// Every range starts at 00:00:00 and ends at 23:59:59 local time.
package timeframe

import (
	"fmt"
	"sort"
	"time"

	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/model"
)

// Func computes a range relative to now.
type Func func(now time.Time) model.TimeRange

var named = map[string]Func{
	"last_month":      LastMonth,
	"last_week":       LastWeek,
	"last_seven_days": LastSevenDays,
	"today":           Today,
	"yesterday":       Yesterday,
}

// ByName returns the range function registered under name.
func ByName(name string) (Func, error) {
	f, ok := named[name]
	if !ok {
		return nil, fmt.Errorf("unknown timeframe %q (valid: %v)", name, Names())
	}
	return f, nil
}

// Names lists the registered timeframe names in sorted order.
func Names() []string {
	names := make([]string, 0, len(named))
	for n := range named {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LastMonth covers the whole calendar month containing now minus four weeks.
func LastMonth(now time.Time) model.TimeRange {
	ref := now.AddDate(0, 0, -28)
	first := time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, now.Location())
	last := first.AddDate(0, 1, -1)
	return model.NewTimeRange(first, endOfDay(last))
}

// LastWeek covers the seven days ending on now minus its day of month,
// i.e. the final week of the previous calendar month.
func LastWeek(now time.Time) model.TimeRange {
	dom := now.Day()
	start := now.AddDate(0, 0, -(6 + dom))
	end := now.AddDate(0, 0, -dom)
	return model.NewTimeRange(startOfDay(start), endOfDay(end))
}

// LastSevenDays covers one week ago through the end of today.
func LastSevenDays(now time.Time) model.TimeRange {
	return model.NewTimeRange(startOfDay(now.AddDate(0, 0, -7)), endOfDay(now))
}

// Today covers the current day.
func Today(now time.Time) model.TimeRange {
	return model.NewTimeRange(startOfDay(now), endOfDay(now))
}

// Yesterday covers the previous day.
func Yesterday(now time.Time) model.TimeRange {
	y := now.AddDate(0, 0, -1)
	return model.NewTimeRange(startOfDay(y), endOfDay(y))
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, t.Location())
}
