package types

import "testing"

func TestMergeStatus(t *testing.T) {
	tests := []struct {
		name     string
		current  Status
		peak     Status
		incoming Status
		want     Status
		wantPeak Status
	}{
		{"forward", StatusSent, StatusSent, StatusDelivered, StatusDelivered, StatusDelivered},
		{"backward is clamped", StatusRead, StatusRead, StatusSent, StatusRead, StatusRead},
		{"read before delivered", StatusSent, "", StatusRead, StatusRead, StatusRead},
		{"duplicate", StatusDelivered, StatusDelivered, StatusDelivered, StatusDelivered, StatusDelivered},
		{"failed wins when newest", StatusDelivered, StatusDelivered, StatusFailed, StatusFailed, StatusDelivered},
		{"lattice after failed restores max", StatusFailed, StatusDelivered, StatusSent, StatusDelivered, StatusDelivered},
		{"unknown incoming ignored", StatusSent, StatusSent, Status("bogus"), StatusSent, StatusSent},
		{"empty peak picks up current", StatusDelivered, "", StatusSent, StatusDelivered, StatusDelivered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, peak := MergeStatus(tt.current, tt.peak, tt.incoming)
			if got != tt.want || peak != tt.wantPeak {
				t.Errorf("MergeStatus(%s, %s, %s) = (%s, %s), want (%s, %s)",
					tt.current, tt.peak, tt.incoming, got, peak, tt.want, tt.wantPeak)
			}
		})
	}
}

// Every permutation of a status sequence must end at the lattice maximum
// unless failed arrived last.
func TestMergeStatus_OrderIndependent(t *testing.T) {
	seq := []Status{StatusSent, StatusDelivered, StatusRead}
	perms := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}

	for _, p := range perms {
		status, peak := StatusSending, StatusSending
		for _, i := range p {
			status, peak = MergeStatus(status, peak, seq[i])
		}
		if status != StatusRead {
			t.Errorf("order %v ended at %s, want read", p, status)
		}

		status, _ = MergeStatus(status, peak, StatusFailed)
		if status != StatusFailed {
			t.Errorf("order %v followed by failed ended at %s, want failed", p, status)
		}
	}
}

func TestStatus_Rank(t *testing.T) {
	if !(StatusSending.Rank() < StatusSent.Rank() &&
		StatusSent.Rank() < StatusDelivered.Rank() &&
		StatusDelivered.Rank() < StatusRead.Rank()) {
		t.Fatal("lattice ranks are not increasing")
	}
	if StatusFailed.InLattice() {
		t.Error("failed must sit outside the lattice")
	}
	if !StatusFailed.Valid() || Status("nope").Valid() {
		t.Error("Valid() mismatch")
	}
}
