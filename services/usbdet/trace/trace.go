// Package trace records detector state transitions as a CBOR stream.
package trace

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Event is one executed step. Integer keys keep the stream compact.
type Event struct {
	Timestamp time.Time `cbor:"1,keyasint"`
	Seq       uint64    `cbor:"2,keyasint"`
	From      string    `cbor:"3,keyasint"`
	To        string    `cbor:"4,keyasint"`
	Sense     uint8     `cbor:"5,keyasint"`
	Verdict   string    `cbor:"6,keyasint"`
	Posture   string    `cbor:"7,keyasint"`
	// DelayMS is the next scheduled step; -1 means interrupt driven.
	DelayMS int64  `cbor:"8,keyasint"`
	Note    string `cbor:"9,keyasint,omitempty"`
	Err     string `cbor:"10,keyasint,omitempty"`
}

type Recorder interface {
	Record(ev Event)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("trace: cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("trace: cbor dec mode: %v", err))
	}
}

func Encode(ev Event) ([]byte, error) { return encMode.Marshal(ev) }

func Decode(b []byte) (Event, error) {
	var ev Event
	err := decMode.Unmarshal(b, &ev)
	return ev, err
}

// Stream writes events to w, one CBOR item each. Safe for concurrent use.
type Stream struct {
	mu     sync.Mutex
	enc    *cbor.Encoder
	closer io.Closer
	err    error
}

func NewStream(w io.Writer) *Stream { return &Stream{enc: encMode.NewEncoder(w)} }

// Create opens path for appending.
func Create(path string) (*Stream, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	s := NewStream(f)
	s.closer = f
	return s, nil
}

// Record keeps the first encode error; later events are dropped.
func (s *Stream) Record(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = s.enc.Encode(ev)
}

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = io.ErrClosedPipe
	}
	if s.closer == nil {
		return nil
	}
	c := s.closer
	s.closer = nil
	return c.Close()
}

// Reader iterates a recorded stream.
type Reader struct {
	dec *cbor.Decoder
}

func NewReader(r io.Reader) *Reader { return &Reader{dec: decMode.NewDecoder(r)} }

// Next returns io.EOF at the end of the stream.
func (r *Reader) Next() (Event, error) {
	var ev Event
	if err := r.dec.Decode(&ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// ReadAll drains r.
func ReadAll(r io.Reader) ([]Event, error) {
	rd := NewReader(r)
	var out []Event
	for {
		ev, err := rd.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

// Multi fans events out to several recorders.
type Multi []Recorder

func (m Multi) Record(ev Event) {
	for _, r := range m {
		if r != nil {
			r.Record(ev)
		}
	}
}

// Memory keeps events in order. Used by tests and the simulator.
type Memory struct {
	mu  sync.Mutex
	evs []Event
}

func (m *Memory) Record(ev Event) {
	m.mu.Lock()
	m.evs = append(m.evs, ev)
	m.mu.Unlock()
}

func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.evs...)
}

// Discard drops everything.
type Discard struct{}

func (Discard) Record(Event) {}

var (
	_ Recorder = (*Stream)(nil)
	_ Recorder = Multi(nil)
	_ Recorder = (*Memory)(nil)
	_ Recorder = Discard{}
)
