// Package handshake bit-bangs the two-wire charger identification sequence.
package handshake

import "sync"

// Payload is sent MSB first, one bit per tick.
var Payload = [6]byte{0x07, 0xC1, 0xF3, 0xE7, 0xCF, 0x9F}

const (
	Bits = len(Payload) * 8

	// StartCursor is where emission begins. The first five bits of Payload
	// are never driven; chargers in the field accept this.
	StartCursor = 5
)

// Line is the handshake output.
type Line interface {
	Set(high bool)
	Valid() bool
}

type Phase uint8

const (
	Running Phase = iota
	Done
)

// Session is one run of the sequence. Tick is called from the timer
// goroutine while the detector polls Done.
type Session struct {
	line Line

	mu    sync.Mutex
	pos   int
	phase Phase
}

func NewSession(line Line) *Session {
	return &Session{line: line, pos: StartCursor, phase: Running}
}

// Bit returns payload bit i, MSB of byte 0 first.
func Bit(i int) bool {
	return Payload[i/8]&(1<<(7-i%8)) != 0
}

// Tick drives the bit under the cursor and advances it. It returns true
// while another tick is wanted.
func (s *Session) Tick() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == Done {
		return false
	}
	restart := false
	valid := s.line != nil && s.line.Valid()
	if valid && s.pos < Bits {
		s.line.Set(Bit(s.pos))
		restart = true
	}
	s.pos++
	if s.pos >= Bits || !valid {
		s.phase = Done
		restart = false
	}
	return restart
}

func (s *Session) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == Done
}

func (s *Session) Pos() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Abort stops the session and parks the line low.
func (s *Session) Abort() {
	s.mu.Lock()
	s.phase = Done
	s.mu.Unlock()
	Idle(s.line)
}

// Idle drives a configured line low.
func Idle(l Line) {
	if l != nil && l.Valid() {
		l.Set(false)
	}
}
