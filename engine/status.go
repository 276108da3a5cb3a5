package engine

import "relaychat/storage"

// statusRank orders outbound message statuses along their forward path.
var statusRank = map[string]int{
	storage.StatusPending:   0,
	storage.StatusSent:      1,
	storage.StatusDelivered: 2,
	storage.StatusSeen:      3,
}

// Advance applies a proposed status transition and returns the resulting
// status. Movement is strictly forward along pending -> sent -> delivered ->
// seen; a duplicate or out-of-order proposal leaves the current status
// untouched. Failed is reachable only from pending and is terminal for
// receipt-driven movement (an explicit retry resets it out of band).
func Advance(current, proposed string) string {
	if current == proposed {
		return current
	}
	if current == storage.StatusFailed {
		return current
	}
	if proposed == storage.StatusFailed {
		if current == storage.StatusPending {
			return storage.StatusFailed
		}
		return current
	}

	currentRank, ok := statusRank[current]
	if !ok {
		return current
	}
	proposedRank, ok := statusRank[proposed]
	if !ok {
		return current
	}
	if proposedRank > currentRank {
		return proposed
	}
	return current
}
