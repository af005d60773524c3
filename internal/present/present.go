// Package present maps a daily forecast to display values: icon glyphs, short
// weekday labels and outward-rounded temperatures.
package present

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/kjstillabower/forecast-widget/internal/models"
)

// IconNotFound is shown for weather codes missing from the icon table.
const IconNotFound = "NOT FOUND"

// InvalidDate is the weekday label for dates that cannot be parsed.
const InvalidDate = "Invalid Date"

type iconEntry struct {
	codes []int
	glyph string
}

// iconTable groups WMO weather codes by glyph. Lookup is first match.
var iconTable = []iconEntry{
	{[]int{0}, "☀️"},
	{[]int{1}, "🌤"},
	{[]int{2}, "⛅️"},
	{[]int{3}, "☁️"},
	{[]int{45, 48}, "🌫"},
	{[]int{51, 56, 61, 66, 80}, "🌦"},
	{[]int{53, 55, 63, 65, 57, 67, 81, 82}, "🌧"},
	{[]int{71, 73, 75, 77, 85, 86}, "🌨"},
	{[]int{95}, "🌩"},
	{[]int{96, 99}, "⛈"},
}

// IconFor returns the glyph for a WMO weather code, or IconNotFound.
func IconFor(code int) string {
	for _, e := range iconTable {
		if slices.Contains(e.codes, code) {
			return e.glyph
		}
	}
	return IconNotFound
}

var dateLayouts = []string{
	time.DateOnly,
	"2006-01-02T15:04",
	time.RFC3339,
}

// ShortWeekday formats an ISO date ("2023-08-01") as an English short weekday ("Tue").
// The calendar date is used as-is, with no timezone conversion.
func ShortWeekday(date string) string {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, date); err == nil {
			return t.Format("Mon")
		}
	}
	return InvalidDate
}

// DisplayMin rounds a minimum temperature down.
func DisplayMin(v float64) int {
	return int(math.Floor(v))
}

// DisplayMax rounds a maximum temperature up.
func DisplayMax(v float64) int {
	return int(math.Ceil(v))
}

// Cards builds one DayCard per day. Series are expected to be validated; a short
// series stops the output at the shortest length rather than panicking.
func Cards(d models.DailyForecast) []models.DayCard {
	n := min(len(d.Dates), len(d.WeatherCodes), len(d.TempMax), len(d.TempMin))
	cards := make([]models.DayCard, 0, n)
	for i := 0; i < n; i++ {
		cards = append(cards, models.DayCard{
			Date:        d.Dates[i],
			Weekday:     ShortWeekday(d.Dates[i]),
			Icon:        IconFor(d.WeatherCodes[i]),
			WeatherCode: d.WeatherCodes[i],
			Min:         DisplayMin(d.TempMin[i]),
			Max:         DisplayMax(d.TempMax[i]),
		})
	}
	return cards
}

// FormatCard renders a card as a single line, e.g. "☀️ Tue 3° — 4°".
func FormatCard(c models.DayCard) string {
	return fmt.Sprintf("%s %s %d° — %d°", c.Icon, c.Weekday, c.Min, c.Max)
}
