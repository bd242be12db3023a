package money

// ApplyBps computes a fee in minor units from an amount and a rate in basis
// points. Pure integer math, rounded down: the ledger never owes anyone a
// fraction of a cent.
func ApplyBps(amount, bps int64) int64 {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	// Split the amount so the product never overflows: for bps <= 10000 the
	// quotient term is bounded by the amount itself, and the remainder term
	// stays under 10000 * bps.
	q, r := amount/10000, amount%10000
	return q*bps + r*bps/10000
}
