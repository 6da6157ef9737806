// Package sectorlock is an exclusive-claim registry over spatial sectors.
//
// The manager is agnostic to sector shape: any comparable key works. Acquire
// never blocks; first acquirer wins and losers get a *BusyError naming the
// holder. There is no queueing or priority.
package sectorlock

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"voxelcrew.ai/internal/protocol"
)

var ErrBusy = errors.New("sector busy")

// BusyError reports a lost race for a sector.
type BusyError[S comparable] struct {
	Sector S
	Holder string
	Since  time.Time
}

func (e *BusyError[S]) Error() string {
	return fmt.Sprintf("sector %v held by %s", e.Sector, e.Holder)
}

func (e *BusyError[S]) Is(target error) bool { return target == ErrBusy }

func (e *BusyError[S]) ErrorCode() string { return protocol.ErrBusy }

// Lock is the handle returned by Acquire. It is a value; releasing a copy of
// a stale handle is a no-op.
type Lock[S comparable] struct {
	Sector   S
	Holder   string
	Acquired time.Time
	token    uuid.UUID
}

// Valid reports whether the handle came from a successful Acquire.
func (l Lock[S]) Valid() bool { return l.token != uuid.Nil }

type entry struct {
	holder   string
	acquired time.Time
	token    uuid.UUID
}

type Manager[S comparable] struct {
	log *log.Logger
	now func() time.Time

	mu    sync.Mutex
	locks map[S]entry
}

func New[S comparable](logger *log.Logger) *Manager[S] {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Manager[S]{
		log:   logger,
		now:   time.Now,
		locks: map[S]entry{},
	}
}

// Acquire claims s for agentID. It fails with *BusyError when any agent,
// including agentID itself, already holds s.
func (m *Manager[S]) Acquire(agentID string, s S) (Lock[S], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.locks[s]; ok {
		return Lock[S]{}, &BusyError[S]{Sector: s, Holder: e.holder, Since: e.acquired}
	}
	e := entry{holder: agentID, acquired: m.now(), token: uuid.New()}
	m.locks[s] = e
	return Lock[S]{Sector: s, Holder: agentID, Acquired: e.acquired, token: e.token}, nil
}

// Release frees the sector held by l. Releasing an already released or
// foreign handle is logged and ignored.
func (m *Manager[S]) Release(l Lock[S]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[l.Sector]
	if !ok || e.token != l.token {
		m.log.Printf("release ignored: sector=%v holder=%s (stale handle)", l.Sector, l.Holder)
		return
	}
	delete(m.locks, l.Sector)
}

// ReleaseAll frees every sector held by agentID and returns how many were held.
func (m *Manager[S]) ReleaseAll(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for s, e := range m.locks {
		if e.holder == agentID {
			delete(m.locks, s)
			n++
		}
	}
	if n > 0 {
		m.log.Printf("released %d sector(s) held by %s", n, agentID)
	}
	return n
}

// Holder returns the current holder of s, if any.
func (m *Manager[S]) Holder(s S) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[s]
	return e.holder, ok
}

// Held lists the sectors currently held by agentID, in no particular order.
func (m *Manager[S]) Held(agentID string) []S {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []S
	for s, e := range m.locks {
		if e.holder == agentID {
			out = append(out, s)
		}
	}
	return out
}

// Len is the number of locked sectors.
func (m *Manager[S]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
