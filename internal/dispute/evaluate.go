package dispute

import "math"

// AmountTolerance is the spread, in currency units, inside which a claimed
// amount is treated as agreeing with the authoritative amount. A difference
// must strictly exceed it to count as a real mismatch.
const AmountTolerance = 1.00

// compareAmounts decides whether a claimed amount constitutes a valid
// dispute. The comparison runs in integer minor units so that a difference of
// exactly the tolerance lands on the invalid side without float drift.
func compareAmounts(claimed, authoritative float64) (bool, string) {
	diffCents := int64(math.Round(math.Abs(claimed-authoritative) * 100))
	if diffCents > int64(math.Round(AmountTolerance*100)) {
		return true, ReasonAmountMismatchValid
	}
	return false, ReasonAmountMismatchInvalid
}
