package options

// MinDelta is the liquidity/moneyness floor a contract must clear to be
// tradable.
const MinDelta = 0.60

// SelectBestContract filters candidates to delta >= MinDelta and returns the
// one with the highest delta, breaking ties on open interest. Returns nil
// when nothing qualifies.
func SelectBestContract(contracts []Contract) *Contract {
	var best *Contract

	for i := range contracts {
		c := &contracts[i]
		if c.Delta < MinDelta {
			continue
		}
		if best == nil ||
			c.Delta > best.Delta ||
			(c.Delta == best.Delta && c.OpenInterest > best.OpenInterest) {
			best = c
		}
	}

	return best
}
