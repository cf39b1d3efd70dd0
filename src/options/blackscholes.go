package options

import (
	"math"
	"time"
)

// DefaultRiskFreeRate is the annualized risk-free rate used for delta and
// implied-volatility estimation.
const DefaultRiskFreeRate = 0.065

// Newton-Raphson bounds for implied-volatility estimation.
const (
	ivMaxIterations  = 20
	ivPriceTolerance = 0.01 // rupees
	ivVegaFloor      = 0.001
	ivMinVolatility  = 0.01
	ivMaxVolatility  = 2.0
	minYearsToExpiry = 1.0 / 365.0
)

// YearsToExpiry returns the time to expiry in years, floored at one day so
// delta stays defined on expiry day.
func YearsToExpiry(now, expiry time.Time) float64 {
	years := expiry.Sub(now).Hours() / 24.0 / 365.0
	if years < minYearsToExpiry {
		return minYearsToExpiry
	}
	return years
}

// normCDF is the standard normal CDF via the Abramowitz-Stegun 7.1.26
// approximation (max absolute error ~7.5e-8).
func normCDF(x float64) float64 {
	neg := x < 0
	if neg {
		x = -x
	}

	const (
		p  = 0.2316419
		b1 = 0.319381530
		b2 = -0.356563782
		b3 = 1.781477937
		b4 = -1.821255978
		b5 = 1.330274429
	)

	t := 1.0 / (1.0 + p*x)
	poly := t * (b1 + t*(b2+t*(b3+t*(b4+t*b5))))
	pdf := math.Exp(-x*x/2.0) / math.Sqrt(2.0*math.Pi)
	cdf := 1.0 - pdf*poly

	if neg {
		return 1.0 - cdf
	}
	return cdf
}

func normPDF(x float64) float64 {
	return math.Exp(-x*x/2.0) / math.Sqrt(2.0*math.Pi)
}

func d1(spot, strike, tYears, rate, sigma float64) float64 {
	return (math.Log(spot/strike) + (rate+sigma*sigma/2.0)*tYears) / (sigma * math.Sqrt(tYears))
}

// CallDelta returns the Black-Scholes delta of a European call.
func CallDelta(spot, strike, tYears, rate, sigma float64) float64 {
	return normCDF(d1(spot, strike, tYears, rate, sigma))
}

// PutDelta returns the Black-Scholes delta of a European put (negative).
func PutDelta(spot, strike, tYears, rate, sigma float64) float64 {
	return CallDelta(spot, strike, tYears, rate, sigma) - 1.0
}

// CallPrice returns the Black-Scholes price of a European call.
func CallPrice(spot, strike, tYears, rate, sigma float64) float64 {
	dOne := d1(spot, strike, tYears, rate, sigma)
	dTwo := dOne - sigma*math.Sqrt(tYears)
	return spot*normCDF(dOne) - strike*math.Exp(-rate*tYears)*normCDF(dTwo)
}

// PutPrice returns the Black-Scholes price of a European put.
func PutPrice(spot, strike, tYears, rate, sigma float64) float64 {
	dOne := d1(spot, strike, tYears, rate, sigma)
	dTwo := dOne - sigma*math.Sqrt(tYears)
	return strike*math.Exp(-rate*tYears)*normCDF(-dTwo) - spot*normCDF(-dOne)
}

func vega(spot, strike, tYears, rate, sigma float64) float64 {
	return spot * normPDF(d1(spot, strike, tYears, rate, sigma)) * math.Sqrt(tYears)
}

// ImpliedVolatility estimates the volatility that reproduces the observed
// premium via Newton-Raphson, clamped to [0.01, 2.0]. Converges when the
// price error drops under one paisa or vega collapses.
func ImpliedVolatility(premium, spot, strike, tYears, rate float64, optType OptionType) float64 {
	sigma := 0.20

	for i := 0; i < ivMaxIterations; i++ {
		var price float64
		if optType == OptionTypePut {
			price = PutPrice(spot, strike, tYears, rate, sigma)
		} else {
			price = CallPrice(spot, strike, tYears, rate, sigma)
		}

		diff := price - premium
		if math.Abs(diff) < ivPriceTolerance {
			break
		}

		v := vega(spot, strike, tYears, rate, sigma)
		if v < ivVegaFloor {
			break
		}

		sigma -= diff / v
		if sigma < ivMinVolatility {
			sigma = ivMinVolatility
		} else if sigma > ivMaxVolatility {
			sigma = ivMaxVolatility
		}
	}

	return sigma
}

// Delta computes the contract delta from either a broker-supplied IV or,
// when absent, an IV estimated from the observed premium. Put deltas are
// returned as absolute values so the selection filter treats both types
// uniformly.
func Delta(c Contract, spot float64, now time.Time, rate float64) float64 {
	tYears := YearsToExpiry(now, c.Expiry)

	sigma := c.IV
	if sigma <= 0 {
		sigma = ImpliedVolatility(c.Premium, spot, c.Strike, tYears, rate, c.Type)
	}

	if c.Type == OptionTypePut {
		return math.Abs(PutDelta(spot, c.Strike, tYears, rate, sigma))
	}
	return CallDelta(spot, c.Strike, tYears, rate, sigma)
}
