package engine

// ResolvePeer determines which conversation partner an inbound rumor belongs
// to. A rumor from a peer is attributed to its sender key; the peer tag on
// such rumors names the local owner and carries no extra information. A
// multi-device echo of the owner's own send carries the owner as sender, so
// the peer tag names the real partner and wins. Among echo candidates, one
// that already maps to an existing conversation is preferred.
func ResolvePeer(owner, senderKey, peerTag string, hasConversation func(string) bool) string {
	if senderKey != owner {
		return senderKey
	}

	var candidates []string
	if peerTag != "" && peerTag != owner {
		candidates = append(candidates, peerTag)
	}
	// Note-to-self rumors carry no foreign tag and stay on the owner key.
	candidates = append(candidates, owner)

	if hasConversation != nil {
		for _, candidate := range candidates {
			if hasConversation(candidate) {
				return candidate
			}
		}
	}
	return candidates[0]
}
