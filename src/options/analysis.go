// Package options implements the contract-selection pipeline for index
// options: strike laddering, expiry selection, Black-Scholes analytics and
// position sizing. Everything in here is pure and deterministic; broker I/O
// stays with the caller.
package options

import (
	"errors"
	"math"
	"sort"
	"strings"
	"time"
)

// OptionType is CE (call) or PE (put) in NSE nomenclature.
type OptionType string

const (
	OptionTypeCall OptionType = "CE"
	OptionTypePut  OptionType = "PE"
)

// StrikeStep is the NIFTY strike interval.
const StrikeStep = 50.0

// MinDaysToExpiry is the buffer below which the current-month expiry is
// skipped in favor of next month, avoiding assignment/liquidity risk close
// to expiry.
const MinDaysToExpiry = 5

// Contract is one tradable option candidate, produced and consumed within a
// single trade-decision cycle. Not persisted.
type Contract struct {
	TradingSymbol string
	Token         uint32
	Strike        float64
	Expiry        time.Time
	Type          OptionType
	Premium       float64
	OpenInterest  int64
	IV            float64
	Delta         float64
	LotSize       int
}

// ErrNoViableContract is returned when no candidate passes the delta filter.
var ErrNoViableContract = errors.New("no tradable contract found with delta >= 0.60")

// ATMStrike rounds the spot to the nearest strike, half up: 18523 -> 18500,
// 18525 -> 18550.
func ATMStrike(spot float64) float64 {
	return math.Round(spot/StrikeStep) * StrikeStep
}

// StrikeLadder returns the seven strikes centered on atm: three below, the
// ATM itself, three above, in ascending order.
func StrikeLadder(atm float64) []float64 {
	strikes := make([]float64, 0, 7)
	for offset := -3.0; offset <= 3.0; offset++ {
		strikes = append(strikes, atm+offset*StrikeStep)
	}
	return strikes
}

// SelectExpiry applies the month-end rule: take the latest expiry in now's
// calendar month if it is at least MinDaysToExpiry days away, otherwise the
// latest expiry of the next calendar month. Returns false when neither
// exists.
func SelectExpiry(now time.Time, expiries []time.Time) (time.Time, bool) {
	if len(expiries) == 0 {
		return time.Time{}, false
	}

	sorted := make([]time.Time, len(expiries))
	copy(sorted, expiries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	currentLast, currentOK := lastExpiryInMonth(sorted, now.Year(), now.Month())
	if currentOK && daysUntil(now, currentLast) >= MinDaysToExpiry {
		return currentLast, true
	}

	next := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, 1, 0)
	nextLast, nextOK := lastExpiryInMonth(sorted, next.Year(), next.Month())
	if nextOK {
		return nextLast, true
	}

	return time.Time{}, false
}

func lastExpiryInMonth(sorted []time.Time, year int, month time.Month) (time.Time, bool) {
	var last time.Time
	found := false
	for _, e := range sorted {
		if e.Year() == year && e.Month() == month {
			last = e
			found = true
		}
	}
	return last, found
}

func daysUntil(now, expiry time.Time) int {
	n := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	e := time.Date(expiry.Year(), expiry.Month(), expiry.Day(), 0, 0, 0, 0, time.UTC)
	return int(e.Sub(n).Hours() / 24)
}

// ResolveOptionType maps a signal action to the contract type to buy.
// Explicit CALL/PUT tokens take priority; bullish entries buy calls, bearish
// entries buy puts. This is the single source of truth for the mapping.
func ResolveOptionType(action, side string) OptionType {
	switch strings.ToUpper(strings.TrimSpace(action)) {
	case "CALL", "CE":
		return OptionTypeCall
	case "PUT", "PE":
		return OptionTypePut
	}

	token := strings.ToUpper(strings.TrimSpace(side))
	if token == "" {
		token = strings.ToUpper(strings.TrimSpace(action))
	}

	switch token {
	case "BUY", "LONG", "BULLISH":
		return OptionTypeCall
	case "SELL", "SHORT", "BEARISH", "EXIT":
		return OptionTypePut
	default:
		return OptionTypeCall
	}
}
