package auction

import (
	"fmt"
)

// VerifyEscrowConservation checks the primary fund-safety property across a
// whole auction: the lamports sitting in every bidder escrow must equal
// everything ever escrowed minus everything ever released. Bidding activity
// can move value around but never create or destroy it.
func VerifyEscrowConservation(extended *ExtendedRecord, escrows []*Account) error {
	var held uint64
	for _, escrow := range escrows {
		held += escrow.Lamports
	}

	if extended.TotalReleased > extended.TotalEscrowed {
		return fmt.Errorf("%w: released %d exceeds escrowed %d",
			ErrEscrowImbalance, extended.TotalReleased, extended.TotalEscrowed)
	}
	outstanding := extended.TotalEscrowed - extended.TotalReleased
	if held != outstanding {
		return fmt.Errorf("%w: held %d, outstanding %d (escrowed %d, released %d)",
			ErrEscrowImbalance, held, outstanding, extended.TotalEscrowed, extended.TotalReleased)
	}
	return nil
}
