// Package ordering defines message identity and the total order used to
// render a conversation.
package ordering

import (
	"sort"
	"strings"
	"time"

	"github.com/leonletto/threadview/internal/types"
)

// SortTime is the primary ordering key: the authoritative server timestamp
// once known, createdAtClient before that.
func SortTime(m types.Message) time.Time {
	if !m.Timestamp.IsZero() {
		return m.Timestamp
	}
	return m.CreatedAtClient
}

// IdentityKey identifies a message for de-duplication: "id:<ID>" for durable
// messages, "local:<LocalID>" for optimistic ones.
func IdentityKey(m types.Message) string {
	if m.ID != "" {
		return "id:" + m.ID
	}
	return "local:" + m.LocalID
}

// SameIdentity compares by id when both messages are durable, otherwise by
// local id.
func SameIdentity(a, b types.Message) bool {
	if a.ID != "" && b.ID != "" {
		return a.ID == b.ID
	}
	return a.LocalID != "" && a.LocalID == b.LocalID
}

// Compare returns -1, 0 or 1 ordering a before, equal to, or after b.
//
// The order is total over (SortTime, ClientSeq, IdentityKey). A promoted
// message keeps its ClientSeq and CreatedAtClient, so replacing the
// optimistic entry with its durable record only moves it when the server
// timestamp lands before an already rendered neighbor (clock skew). That
// reorder is accepted, not masked.
func Compare(a, b types.Message) int {
	ta, tb := SortTime(a), SortTime(b)
	if c := ta.Compare(tb); c != 0 {
		return c
	}
	if a.ClientSeq != b.ClientSeq {
		// Messages not created locally (seq 0) come first on a tie.
		if a.ClientSeq < b.ClientSeq {
			return -1
		}
		return 1
	}
	return strings.Compare(IdentityKey(a), IdentityKey(b))
}

// Less reports whether a sorts before b.
func Less(a, b types.Message) bool {
	return Compare(a, b) < 0
}

// Sort orders msgs in place.
func Sort(msgs []types.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return Less(msgs[i], msgs[j])
	})
}
