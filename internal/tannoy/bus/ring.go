package bus

import (
	"github.com/tannoyproject/tannoy/internal/common/util"
	"github.com/tannoyproject/tannoy/pkg/api"
)

// Ring is a fixed-capacity buffer holding the most recently published events in
// sequence order. When full, adding a new event silently evicts the oldest one.
//
// Add must be called with ascending, contiguous sequence numbers; the bus
// guarantees this by assigning sequence numbers under its write lock.
// Ring is not threadsafe, callers synchronize access.
type Ring struct {
	buf   []api.Event
	start int
	count int
}

func NewRing(capacity int) *Ring {
	return &Ring{buf: make([]api.Event, capacity)}
}

func (r *Ring) Add(event api.Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = event
		r.count++
		return
	}
	// Full, overwrite the oldest slot.
	r.buf[r.start] = event
	r.start = (r.start + 1) % len(r.buf)
}

func (r *Ring) Size() int {
	return r.count
}

func (r *Ring) Capacity() int {
	return len(r.buf)
}

// OldestSeq returns the sequence number of the oldest retained event.
// The second return value is false if the ring is empty.
func (r *Ring) OldestSeq() (uint64, bool) {
	if r.count == 0 {
		return 0, false
	}
	return r.buf[r.start].Seq, true
}

// After returns up to limit events with sequence numbers strictly greater than
// after, in ascending order. The second return value is true if events in the
// requested range have already been evicted, i.e., the caller has missed events
// it can never get back. limit <= 0 means no limit.
func (r *Ring) After(after uint64, limit int) ([]api.Event, bool) {
	if r.count == 0 {
		return nil, false
	}
	oldest := r.buf[r.start].Seq
	latest := r.buf[(r.start+r.count-1)%len(r.buf)].Seq
	if after >= latest {
		return nil, false
	}

	from := after + 1
	gapped := from < oldest
	if gapped {
		from = oldest
	}

	n := int(latest - from + 1)
	if limit > 0 {
		n = util.Min(n, limit)
	}

	events := make([]api.Event, 0, n)
	offset := int(from - oldest)
	for i := 0; i < n; i++ {
		events = append(events, r.buf[(r.start+offset+i)%len(r.buf)])
	}
	return events, gapped
}
