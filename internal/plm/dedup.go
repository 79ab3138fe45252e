package plm

import (
	"time"

	"github.com/nerrad567/insteon-bridge/internal/insteon"
)

// eventKey identifies one physical group event.
type eventKey struct {
	from  insteon.Address
	group byte
	cmd1  byte
}

// suppressor absorbs repeats of an event within a short window. The first
// sighting passes; later sightings before the window closes do not. It is
// owned by the engine loop.
type suppressor struct {
	events map[eventKey]time.Time
	frames map[insteon.Message]time.Time
}

func newSuppressor() *suppressor {
	return &suppressor{
		events: make(map[eventKey]time.Time),
		frames: make(map[insteon.Message]time.Time),
	}
}

// event reports whether the group event k was already seen and still
// suppressed at now. A new sighting opens a window of length window.
func (s *suppressor) event(k eventKey, now time.Time, window time.Duration) bool {
	s.prune(now)
	if until, ok := s.events[k]; ok && now.Before(until) {
		return true
	}
	s.events[k] = now.Add(window)
	return false
}

// frame reports whether an identical frame (ignoring hops left) was seen
// within window.
func (s *suppressor) frame(m insteon.Message, now time.Time, window time.Duration) bool {
	s.prune(now)
	m.Flags.HopsLeft = 0
	if until, ok := s.frames[m]; ok && now.Before(until) {
		return true
	}
	s.frames[m] = now.Add(window)
	return false
}

func (s *suppressor) prune(now time.Time) {
	for k, until := range s.events {
		if !now.Before(until) {
			delete(s.events, k)
		}
	}
	for k, until := range s.frames {
		if !now.Before(until) {
			delete(s.frames, k)
		}
	}
}
