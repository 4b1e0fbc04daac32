package models

import (
	"bytes"
	"encoding/json"
)

// ConditionsEntry pairs a tracked zip with the provider's current-conditions payload.
// Data is kept verbatim; only the condition code is ever read from it.
type ConditionsEntry struct {
	Zip  string          `json:"zip"`
	Data json.RawMessage `json:"data"`
}

// ConditionCode returns weather[0].id from the payload, or false when absent.
func (e ConditionsEntry) ConditionCode() (int, bool) {
	var payload struct {
		Weather []WeatherCondition `json:"weather"`
	}
	if err := json.Unmarshal(e.Data, &payload); err != nil || len(payload.Weather) == 0 {
		return 0, false
	}
	return payload.Weather[0].ID, true
}

// ConditionsSnapshot is an insertion-ordered, at-most-one-per-zip view of current conditions.
// A published snapshot is never mutated; changes produce a new slice.
type ConditionsSnapshot []ConditionsEntry

// Has reports whether zip has an entry.
func (s ConditionsSnapshot) Has(zip string) bool {
	for _, e := range s {
		if e.Zip == zip {
			return true
		}
	}
	return false
}

// Zips returns the zips in snapshot order.
func (s ConditionsSnapshot) Zips() []string {
	out := make([]string, 0, len(s))
	for _, e := range s {
		out = append(out, e.Zip)
	}
	return out
}

// WeatherCondition is one element of the provider's "weather" array.
type WeatherCondition struct {
	ID          int    `json:"id"`
	Main        string `json:"main"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

// Forecast is the daily forecast payload (forecast/daily, cnt=5).
type Forecast struct {
	City ForecastCity  `json:"city"`
	Cnt  int           `json:"cnt"`
	List []ForecastDay `json:"list"`
}

type ForecastCity struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Country string `json:"country"`
}

type ForecastDay struct {
	Dt       int64              `json:"dt"`
	Temp     ForecastTemp       `json:"temp"`
	Humidity int                `json:"humidity"`
	Speed    float64            `json:"speed"`
	Weather  []WeatherCondition `json:"weather"`
}

type ForecastTemp struct {
	Day float64 `json:"day"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// IsEmptyPayload reports whether raw is null, not a JSON object, or an object with no keys.
func IsEmptyPayload(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return true
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return true
	}
	return len(obj) == 0
}
