package command

import (
	"errors"
	"sync"
	"time"

	"voxelcrew.ai/internal/protocol"
)

var ErrDuplicate = errors.New("duplicate command")

type duplicateError struct{}

func (duplicateError) Error() string        { return ErrDuplicate.Error() }
func (duplicateError) Is(target error) bool { return target == ErrDuplicate }
func (duplicateError) ErrorCode() string    { return protocol.ErrDuplicate }

type dedupeKey struct {
	Sender string
	Line   string
}

// Deduper drops a command repeated by the same sender within the TTL.
type Deduper struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[dedupeKey]time.Time
}

func NewDeduper(ttl time.Duration) *Deduper {
	return &Deduper{ttl: ttl, now: time.Now, seen: map[dedupeKey]time.Time{}}
}

// CheckAndMark returns an error matching ErrDuplicate if the same line from
// the same sender was marked less than ttl ago; otherwise it marks it.
func (d *Deduper) CheckAndMark(sender, line string) error {
	if d == nil || d.ttl <= 0 {
		return nil
	}
	now := d.now()
	key := dedupeKey{Sender: sender, Line: line}

	d.mu.Lock()
	defer d.mu.Unlock()
	// Opportunistic cleanup.
	for k, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, k)
		}
	}
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return duplicateError{}
	}
	d.seen[key] = now.Add(d.ttl)
	return nil
}
