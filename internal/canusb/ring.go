package canusb

import "github.com/kstaniek/go-canusb-server/internal/can"

// Ring is a fixed-capacity overwrite-oldest store of received CAN messages.
// The write index is the slot one past the most recent push, modulo capacity.
// Consumers detect new data by comparing two index snapshots and reading the
// delta modulo capacity: an unread ring of capacity N holds its last N pushes
// and silently overwrites older ones. Bounded staleness, not a lossless
// queue, and no separate occupancy count.
type Ring struct {
	slots []can.Message
	write int
}

// NewRing allocates a ring with the given capacity. A capacity below one is
// coerced to one.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{slots: make([]can.Message, capacity)}
}

// Push stores m at the current write index and advances it, wrapping to zero
// at capacity. It always succeeds.
func (r *Ring) Push(m can.Message) {
	r.slots[r.write] = m
	r.write = (r.write + 1) % len(r.slots)
}

// Backing returns the full backing storage, capacity entries long. Slots not
// yet written hold zero messages; exposing the whole array lets a consumer
// reconstruct ordering purely from two write-index snapshots.
func (r *Ring) Backing() []can.Message { return r.slots }

// WriteIndex returns the current write cursor.
func (r *Ring) WriteIndex() int { return r.write }

// Capacity returns the number of slots.
func (r *Ring) Capacity() int { return len(r.slots) }
