package identity

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Generator issues local ids for optimistic messages.
//
// A local id combines a per-generator monotonic counter with a ULID suffix:
// "loc_" + seq + "_" + ulid(). Uniqueness does not depend on server round
// trips; two generators never collide because of the random ULID part.
type Generator struct {
	mu  sync.Mutex
	seq uint64
	now func() time.Time
}

// NewGenerator creates a generator whose counter starts at 1.
func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

// NextLocalID returns a fresh local id and the counter value embedded in it.
func (g *Generator) NextLocalID() (string, uint64) {
	g.mu.Lock()
	g.seq++
	seq := g.seq
	g.mu.Unlock()

	return "loc_" + strconv.FormatUint(seq, 10) + "_" + generateULID(g.now()), seq
}

// ParseLocalID extracts the counter from a local id.
func ParseLocalID(id string) (uint64, error) {
	rest, ok := strings.CutPrefix(id, "loc_")
	if !ok {
		return 0, fmt.Errorf("local id %q: missing loc_ prefix", id)
	}
	seqPart, suffix, ok := strings.Cut(rest, "_")
	if !ok || suffix == "" {
		return 0, fmt.Errorf("local id %q: missing random suffix", id)
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("local id %q: parse counter: %w", id, err)
	}
	return seq, nil
}

// NewCorrelationID returns the idempotency key sent with a message and
// echoed in its message.created event.
// Format: "cor_" + uuid.
func NewCorrelationID() string {
	return "cor_" + uuid.NewString()
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// generateULID generates a ULID string.
func generateULID(t time.Time) string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(t), ulidEntropy)
	return id.String()
}
