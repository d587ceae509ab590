/*
idempotency.go - Deduplication of retried stay/points calls

PURPOSE:
  A booking system that times out will retry. The second call carries the
  same external reference (booking id) and must not credit the stay twice.

HOW:
  The guard is a lookup on (member_id, external_ref) executed inside the
  same transaction as the write it protects. The store also carries a
  UNIQUE index on that pair, so two racing first-time calls cannot both
  commit: the loser gets ErrDuplicateReference, is retried, and on the
  retry the lookup finds the winner's event and replays its result.

  A lookup outside the write transaction would not be enough: both
  racers would see "absent" and both would insert.

SEE ALSO:
  - processor.go: The only caller
  - store/sqlite/sqlite.go: idx_ledger_events_member_ref
*/
package loyalty

import (
	"context"
	"strings"
)

// MaxExternalRefLength bounds the stored idempotency key.
const MaxExternalRefLength = 128

// IdempotencyGuard resolves (member, external ref) to a prior ledger event.
type IdempotencyGuard struct{}

// Normalize trims the reference and validates its length. An empty result
// means the call is not idempotent.
func (IdempotencyGuard) Normalize(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	return ref, len(ref) <= MaxExternalRefLength
}

// Lookup returns the event previously recorded for ref, or nil.
// tx must be the transaction that will perform the guarded write.
func (IdempotencyGuard) Lookup(ctx context.Context, tx Tx, member MemberID, ref string) (*LedgerEvent, error) {
	if ref == "" {
		return nil, nil
	}
	return tx.FindEventByRef(ctx, member, ref)
}
