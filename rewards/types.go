/*
Package rewards implements catalog-backed reward redemption and the grant
claim/delivery state machine.

STATE MACHINE:
  Unclaimed --ClaimGrant--> Claimed --ProcessDelivery--> Delivered
                                    \-ProcessDelivery--> Rejected

  Transitions are one-directional; Unclaimed never jumps to Delivered.
  Each transition is a compare-and-set on the stored status, so a second
  concurrent claim observes a Conflict.

REDEMPTION CHECKS (in order):
  1. Catalog item exists                     NotFound
  2. Item is active                          Validation
  3. user level >= minimumUserLevel          Eligibility
  4. available points >= pointsCost          InsufficientPoints
  5. finite quantity > 0                     OutOfStock

  The checks give precise errors; the guarded stock decrement and the
  guarded ledger debit inside the same unit are what actually prevent
  oversell and overdraw under concurrency.

GRANT ORIGINS:
  redemption  paid with points, created by RedeemReward
  challenge   issued by challenge completion through IssueGrant; costs
              nothing and ignores level and stock

SEE ALSO:
  - ledger/ledger.go: Points deduction inside the unit
  - challenge/challenge.go: GrantIssuer consumer
*/
package rewards

import (
	"strings"

	"github.com/google/uuid"

	"github.com/warp/progression-engine/engine"
)

// CodePrefix starts every redemption code.
const CodePrefix = "RW-"

// NewRedemptionCode returns a fresh code such as "RW-9F1C2B7A44E04D1B".
// Uniqueness is enforced again by the store.
func NewRedemptionCode() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return CodePrefix + strings.ToUpper(hex[:16])
}

// DeliveryOutcome reports whether status is a terminal delivery state.
func DeliveryOutcome(status engine.GrantStatus) bool {
	return status == engine.GrantDelivered || status == engine.GrantRejected
}
