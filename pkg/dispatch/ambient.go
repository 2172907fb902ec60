package dispatch

import (
	"fmt"
	"sync"

	"github.com/dotsetgreg/heartcore/pkg/bus"
)

// ambientRing is a small bounded buffer of chatter that was not admitted
// into any batch. It gives the generator conversational surroundings
// without ever being part of a generation batch itself.
type ambientRing struct {
	mu       sync.Mutex
	entries  []string
	capacity int
}

func newAmbientRing(capacity int) *ambientRing {
	if capacity <= 0 {
		capacity = 16
	}
	return &ambientRing{capacity: capacity}
}

func (r *ambientRing) Add(msg bus.InboundMessage) {
	name := msg.SenderName
	if name == "" {
		name = msg.SenderID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, fmt.Sprintf("%s: %s", name, msg.Content))
	if len(r.entries) > r.capacity {
		r.entries = r.entries[len(r.entries)-r.capacity:]
	}
}

func (r *ambientRing) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *ambientRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
