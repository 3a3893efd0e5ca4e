package cplscheme

import "slices"

// checkpoint holds the state of a scheme at the first sub-iteration of a window.
// Only the buffers the local solver writes (send data) are kept: received data
// carries the accelerated iterate into the next sub-iteration and is never rewound.
type checkpoint struct {
	time        float64
	windowStart float64
	windows     int
	send        map[int][]float64
}

func (s *Scheme) saveCheckpoint() {
	cp := &checkpoint{
		time:        s.time,
		windowStart: s.windowStart,
		windows:     s.windows,
		send:        make(map[int][]float64),
	}
	for _, p := range s.partners {
		for id, d := range p.send {
			cp.send[id] = slices.Clone(d.Values())
		}
	}
	s.checkpoint = cp
	s.logger.Debug("saved checkpoint", "window", s.windows, "time", s.time)
}

// restoreCheckpoint rewinds to the window start. The sub-iteration counter
// is left to the caller.
func (s *Scheme) restoreCheckpoint() {
	cp := s.checkpoint
	s.time = cp.time
	s.windowStart = cp.windowStart
	s.windows = cp.windows
	s.computedPart = 0
	for _, p := range s.partners {
		for id, d := range p.send {
			copy(d.Values(), cp.send[id])
		}
	}
	s.logger.Debug("restored checkpoint", "window", s.windows, "time", s.time)
}

func (s *Scheme) discardCheckpoint() {
	s.checkpoint = nil
}
