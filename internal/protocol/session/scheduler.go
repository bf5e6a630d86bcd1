package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/rtpscore/internal/protocol"
)

// EventKind names a timed response.
type EventKind uint8

const (
	EventHeartbeat EventKind = iota + 1
	EventHeartbeatResponse
	EventNackResponse
)

func (k EventKind) String() string {
	switch k {
	case EventHeartbeat:
		return "heartbeat"
	case EventHeartbeatResponse:
		return "heartbeat_response"
	case EventNackResponse:
		return "nack_response"
	default:
		return fmt.Sprintf("event_%d", uint8(k))
	}
}

// Key identifies one pending event. Remote is GUIDUnknown for events that
// concern every matched remote.
type Key struct {
	Local  protocol.GUID
	Remote protocol.GUID
	Kind   EventKind
}

func (k Key) String() string {
	return fmt.Sprintf("%s->%s/%s", k.Local, k.Remote, k.Kind)
}

// Scheduler runs fn once after delay. Scheduling a key that is already
// pending replaces it.
type Scheduler interface {
	Schedule(key Key, delay time.Duration, fn func())
	Cancel(key Key) bool
	Pending(key Key) bool
	Stop()
}

// TimerScheduler backs each key with a time.AfterFunc timer.
type TimerScheduler struct {
	mu      sync.Mutex
	timers  map[Key]*timerEntry
	stopped bool
}

type timerEntry struct {
	timer *time.Timer
}

func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: make(map[Key]*timerEntry)}
}

func (s *TimerScheduler) Schedule(key Key, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.timers[key]; ok {
		old.timer.Stop()
	}
	e := &timerEntry{}
	e.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		current := s.timers[key] == e
		if current {
			delete(s.timers, key)
		}
		s.mu.Unlock()
		// a replaced timer that already fired must not run
		if current {
			fn()
		}
	})
	s.timers[key] = e
}

func (s *TimerScheduler) Cancel(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.timers, key)
	return true
}

func (s *TimerScheduler) Pending(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// Stop cancels every pending timer; later Schedule calls are ignored.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, key)
	}
	s.stopped = true
}

// ManualScheduler keeps events until the test advances its clock.
type ManualScheduler struct {
	mu      sync.Mutex
	now     time.Duration
	seq     uint64
	pending map[Key]manualEvent
	stopped bool
}

type manualEvent struct {
	due time.Duration
	seq uint64
	fn  func()
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{pending: make(map[Key]manualEvent)}
}

func (s *ManualScheduler) Schedule(key Key, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.seq++
	s.pending[key] = manualEvent{due: s.now + delay, seq: s.seq, fn: fn}
}

func (s *ManualScheduler) Cancel(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	delete(s.pending, key)
	return ok
}

func (s *ManualScheduler) Pending(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Delay reports how long after now a pending key fires.
func (s *ManualScheduler) Delay(key Key) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.pending[key]
	return ev.due - s.now, ok
}

func (s *ManualScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Keys lists pending keys ordered by due time.
func (s *ManualScheduler) Keys() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]Key, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := s.pending[keys[i]], s.pending[keys[j]]
		if a.due != b.due {
			return a.due < b.due
		}
		return a.seq < b.seq
	})
	return keys
}

// Advance moves the clock by d and runs every event that became due, in due
// order. Events scheduled by callbacks run too if they fall inside d.
func (s *ManualScheduler) Advance(d time.Duration) int {
	s.mu.Lock()
	target := s.now + d
	s.mu.Unlock()
	fired := 0
	for {
		s.mu.Lock()
		key, ev, ok := s.nextLocked(target)
		if !ok {
			s.now = target
			s.mu.Unlock()
			return fired
		}
		delete(s.pending, key)
		if ev.due > s.now {
			s.now = ev.due
		}
		s.mu.Unlock()
		ev.fn()
		fired++
	}
}

// Fire runs one pending key immediately.
func (s *ManualScheduler) Fire(key Key) bool {
	s.mu.Lock()
	ev, ok := s.pending[key]
	delete(s.pending, key)
	s.mu.Unlock()
	if ok {
		ev.fn()
	}
	return ok
}

func (s *ManualScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = make(map[Key]manualEvent)
	s.stopped = true
}

func (s *ManualScheduler) nextLocked(limit time.Duration) (Key, manualEvent, bool) {
	var (
		bestKey Key
		best    manualEvent
		found   bool
	)
	for k, ev := range s.pending {
		if ev.due > limit {
			continue
		}
		if !found || ev.due < best.due || (ev.due == best.due && ev.seq < best.seq) {
			bestKey, best, found = k, ev, true
		}
	}
	return bestKey, best, found
}
