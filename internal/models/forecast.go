package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrSeriesMismatch is returned when the daily series of a forecast differ in length.
var ErrSeriesMismatch = errors.New("daily series length mismatch")

// GeoResult is the first entry of a geocoding response.
type GeoResult struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Timezone    string  `json:"timezone"`
	Name        string  `json:"name"`
	CountryCode string  `json:"countryCode"`
}

// DailyForecast holds parallel per-day series. Index i of every slice describes the same calendar day.
type DailyForecast struct {
	Dates        []string  `json:"dates"`
	WeatherCodes []int     `json:"weatherCodes"`
	TempMax      []float64 `json:"tempMax"`
	TempMin      []float64 `json:"tempMin"`
}

// Len returns the number of days in the series.
func (d DailyForecast) Len() int {
	return len(d.Dates)
}

// IsEmpty reports whether the forecast carries no days.
func (d DailyForecast) IsEmpty() bool {
	return d.Len() == 0
}

// Validate checks that all four series have the same length.
func (d DailyForecast) Validate() error {
	n := len(d.Dates)
	if len(d.WeatherCodes) != n || len(d.TempMax) != n || len(d.TempMin) != n {
		return fmt.Errorf("%w: time=%d weathercode=%d max=%d min=%d",
			ErrSeriesMismatch, n, len(d.WeatherCodes), len(d.TempMax), len(d.TempMin))
	}
	return nil
}

// Forecast is a resolved location plus its daily series. The zero value is the empty result.
type Forecast struct {
	Query     string        `json:"query"`
	Place     GeoResult     `json:"place"`
	Daily     DailyForecast `json:"daily"`
	Timestamp time.Time     `json:"timestamp"`
	Cached    bool          `json:"cached,omitempty"`
	Stale     bool          `json:"stale,omitempty"` // served from stale cache
}

// IsEmpty reports whether f is the empty result.
func (f Forecast) IsEmpty() bool {
	return f.Daily.IsEmpty()
}

// DayCard is the display tuple for one forecast day.
type DayCard struct {
	Date        string `json:"date"`
	Weekday     string `json:"weekday"`
	Icon        string `json:"icon"`
	WeatherCode int    `json:"weatherCode"`
	Min         int    `json:"min"`
	Max         int    `json:"max"`
}
