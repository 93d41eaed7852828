package types

// Status is the delivery state of a message.
//
// sending < sent < delivered < read forms a lattice that out-of-order
// updates are clamped on. failed sits outside the lattice.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Rank returns the lattice position of s, 0 for failed or unknown values.
func (s Status) Rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}
	return 0
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusFailed || s.Rank() > 0
}

// InLattice reports whether s takes part in the monotonic ordering.
func (s Status) InLattice() bool {
	return s.Rank() > 0
}

// MaxStatus returns the higher of two lattice statuses. Values outside the
// lattice lose against any lattice value.
func MaxStatus(a, b Status) Status {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// MergeStatus folds an incoming status into a message's current status.
//
// peak is the highest lattice status the message has reached so far, which
// may be hidden behind a failed status. A lattice update moves the message
// to max(peak, incoming); failed always wins when it is the newest update.
// Applying the same update twice returns the same result.
func MergeStatus(current, peak, incoming Status) (status Status, newPeak Status) {
	peak = MaxStatus(peak, current)
	if incoming == StatusFailed {
		return StatusFailed, peak
	}
	if !incoming.InLattice() {
		return current, peak
	}
	peak = MaxStatus(peak, incoming)
	return peak, peak
}
