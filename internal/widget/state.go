package widget

import (
	"strings"

	"github.com/kjstillabower/forecast-widget/internal/models"
	"github.com/kjstillabower/forecast-widget/internal/present"
	"github.com/kjstillabower/forecast-widget/internal/resolver"
)

// State is what the widget shows. It is updated only through Apply.
type State struct {
	Location    string
	Loading     bool
	DisplayName string
	Forecast    models.DailyForecast

	// ForecastPlace names the place Forecast belongs to. It lags DisplayName
	// while a new query's forecast is loading.
	ForecastPlace string

	seq         uint64
	gotForecast bool
}

// Apply folds e into the state. Events from a resolution older than the newest
// one seen are ignored and Apply returns false.
//
// The previous forecast stays visible, under its own place name, while a new one
// loads. A resolution that finishes without a forecast leaves the forecast empty.
func (st *State) Apply(e resolver.Event) bool {
	if e.Seq < st.seq {
		return false
	}
	if e.Seq > st.seq {
		st.seq = e.Seq
		st.Location = e.Query
		st.Loading = false
		st.gotForecast = false
	}

	switch e.Kind {
	case resolver.EventCleared:
		st.Loading = false
		st.clearForecast()
	case resolver.EventLoading:
		st.Loading = e.Loading
		if !e.Loading && !st.gotForecast {
			st.clearForecast()
		}
	case resolver.EventPlace:
		st.DisplayName = e.DisplayName()
	case resolver.EventForecast:
		st.gotForecast = true
		st.Forecast = e.Daily
		st.ForecastPlace = e.DisplayName()
	}
	return true
}

func (st *State) clearForecast() {
	st.Forecast = models.DailyForecast{}
	st.ForecastPlace = ""
}

// Render draws the state as terminal text.
func Render(st State) string {
	var b strings.Builder
	b.WriteString("Weather App\n")
	b.WriteString("Location: ")
	b.WriteString(st.Location)
	b.WriteString("\n")
	if st.Loading {
		b.WriteString("Loading...\n")
	}
	if !st.Forecast.IsEmpty() {
		b.WriteString("Weather in ")
		b.WriteString(st.ForecastPlace)
		b.WriteString("\n")
		for _, card := range present.Cards(st.Forecast) {
			b.WriteString("  ")
			b.WriteString(present.FormatCard(card))
			b.WriteString("\n")
		}
	}
	return b.String()
}
