package market

import (
	"strings"
	"time"
)

// ApproximateSession estimates session state for feeds that carry no session
// metadata. Crypto trades around the clock; the other classes follow coarse
// UTC windows and err on the open side so the venue's own rejection remains
// the final word.
func ApproximateSession(assetClass string, now time.Time) (open, dayTradingClosed bool) {
	now = now.UTC()
	switch strings.ToLower(assetClass) {
	case "equity", "index":
		return equitySessionOpen(now), false
	case "forex", "commodity":
		return !weekendGap(now), false
	default:
		return true, false
	}
}

// Cash equity hours, 14:00-21:00 UTC on weekdays. Ignores exchange holidays
// and the DST half-hour drift; feeds with real session flags bypass this.
func equitySessionOpen(now time.Time) bool {
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return now.Hour() >= 14 && now.Hour() < 21
}

// FX and metals pause from Friday 21:00 UTC until Sunday 21:00 UTC.
func weekendGap(now time.Time) bool {
	switch now.Weekday() {
	case time.Friday:
		return now.Hour() >= 21
	case time.Saturday:
		return true
	case time.Sunday:
		return now.Hour() < 21
	}
	return false
}
