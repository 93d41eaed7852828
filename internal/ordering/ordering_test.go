package ordering

import (
	"testing"
	"time"

	"github.com/leonletto/threadview/internal/types"
)

var base = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func at(min int) time.Time { return base.Add(time.Duration(min) * time.Minute) }

func TestCompare(t *testing.T) {
	m1 := types.Message{ID: "m1", Timestamp: at(0)}
	m2 := types.Message{ID: "m2", Timestamp: at(5)}
	l1 := types.Message{LocalID: "loc_1_A", ClientSeq: 1, CreatedAtClient: at(5).Add(30 * time.Second)}
	l2 := types.Message{LocalID: "loc_2_B", ClientSeq: 2, CreatedAtClient: at(5).Add(30 * time.Second)}
	tie := types.Message{ID: "m0", Timestamp: at(5)}

	tests := []struct {
		name string
		a, b types.Message
		want int
	}{
		{"durable by timestamp", m1, m2, -1},
		{"optimistic after older durable", m2, l1, -1},
		{"same client time uses counter", l1, l2, -1},
		{"equal timestamps fall back to id", tie, m2, -1},
		{"identical", m1, m1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compare(tt.a, tt.b); got != tt.want {
				t.Errorf("Compare() = %d, want %d", got, tt.want)
			}
			if got := Compare(tt.b, tt.a); got != -tt.want {
				t.Errorf("Compare() reversed = %d, want %d", got, -tt.want)
			}
		})
	}
}

func TestSameIdentity(t *testing.T) {
	tests := []struct {
		name string
		a, b types.Message
		want bool
	}{
		{"same durable id", types.Message{ID: "m1"}, types.Message{ID: "m1"}, true},
		{"different durable ids", types.Message{ID: "m1", LocalID: "l"}, types.Message{ID: "m2", LocalID: "l"}, false},
		{"promoted vs optimistic", types.Message{ID: "m3", LocalID: "l1"}, types.Message{LocalID: "l1"}, true},
		{"two optimistic", types.Message{LocalID: "l1"}, types.Message{LocalID: "l2"}, false},
		{"no ids", types.Message{}, types.Message{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SameIdentity(tt.a, tt.b); got != tt.want {
				t.Errorf("SameIdentity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSort_PromotionKeepsPosition(t *testing.T) {
	m1 := types.Message{ID: "m1", Timestamp: at(0)}
	m2 := types.Message{ID: "m2", Timestamp: at(5)}
	l1 := types.Message{LocalID: "loc_1_A", ClientSeq: 1, CreatedAtClient: at(5).Add(40 * time.Second)}

	before := []types.Message{l1, m2, m1}
	Sort(before)

	promoted := l1
	promoted.ID = "m3"
	promoted.Timestamp = at(6)
	after := []types.Message{m2, promoted, m1}
	Sort(after)

	for i := range before {
		if !SameIdentity(before[i], after[i]) {
			t.Fatalf("position %d changed: %s -> %s", i, IdentityKey(before[i]), IdentityKey(after[i]))
		}
	}
	if after[2].ID != "m3" {
		t.Errorf("tail = %s, want m3", after[2].ID)
	}
}

func TestSort_ClockSkewReorders(t *testing.T) {
	// The server stamps the promoted message earlier than an inbound
	// neighbor; the server timestamp wins and the message moves up.
	inbound := types.Message{ID: "m2", Timestamp: at(5)}
	promoted := types.Message{ID: "m3", LocalID: "loc_1_A", ClientSeq: 1, CreatedAtClient: at(6), Timestamp: at(4)}

	msgs := []types.Message{inbound, promoted}
	Sort(msgs)
	if msgs[0].ID != "m3" {
		t.Errorf("first = %s, want m3", msgs[0].ID)
	}
}
