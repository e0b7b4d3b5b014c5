package dm

import (
	"regexp"
	"strings"
)

// roomKeySep joins the two participant ids inside a room key. It is excluded
// from the participant alphabet, which keeps key derivation collision-free.
const roomKeySep = "_"

// participantRE is the participant id alphabet. Ids come from the identity
// provider (opaque, alphanumeric in practice); the separator, whitespace and
// path characters are excluded so room keys stay unambiguous and safe to use
// as store keys.
var participantRE = regexp.MustCompile(`^[a-zA-Z0-9.-]+$`)

// ResolveRoom derives the canonical room key for a participant pair.
//
// The key is order-independent: ResolveRoom(a, b) == ResolveRoom(b, a).
// It is a pure function; rooms need no registry or precomputed table.
func ResolveRoom(a, b string) (string, error) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)

	if a == "" || b == "" {
		return "", OpError{Op: "dm.ResolveRoom", Kind: ErrInvalidParticipant, Msg: "empty participant id"}
	}
	if a == b {
		return "", OpError{Op: "dm.ResolveRoom", Kind: ErrInvalidParticipant, Msg: "self chat is not allowed"}
	}
	if !participantRE.MatchString(a) || !participantRE.MatchString(b) {
		return "", OpError{Op: "dm.ResolveRoom", Kind: ErrInvalidParticipant, Msg: "participant id contains forbidden characters"}
	}

	if a > b {
		a, b = b, a
	}
	return a + roomKeySep + b, nil
}
