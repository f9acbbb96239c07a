package trace

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(seq uint64) Event {
	return Event{
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC),
		Seq:       seq,
		From:      "sample2",
		To:        "identify",
		Sense:     0x0F,
		Verdict:   "none",
		Posture:   "quiet",
		DelayMS:   0,
	}
}

func TestStreamDecode(t *testing.T) {
	var buf bytes.Buffer
	s := NewStream(&buf)
	s.Record(sample(1))
	ev2 := sample(2)
	ev2.DelayMS = -1
	ev2.Err = "read_error"
	s.Record(ev2)
	require.NoError(t, s.Err())

	got, err := ReadAll(&buf)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.True(t, got[0].Timestamp.Equal(sample(1).Timestamp))
	assert.Equal(t, int64(-1), got[1].DelayMS)
	assert.Equal(t, "read_error", got[1].Err)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte{0xFF, 0x00})
	assert.Error(t, err)

	b, err := Encode(sample(3))
	require.NoError(t, err)
	ev, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "identify", ev.To)
}

func TestFileStreamAppendsAndCloses(t *testing.T) {
	p := filepath.Join(t.TempDir(), "trace.cbor")
	s, err := Create(p)
	require.NoError(t, err)
	s.Record(sample(1))
	require.NoError(t, s.Close())
	s.Record(sample(2)) // dropped after close
	require.NoError(t, s.Close())

	s, err = Create(p)
	require.NoError(t, err)
	s.Record(sample(3))
	require.NoError(t, s.Close())

	f, err := os.Open(p)
	require.NoError(t, err)
	defer f.Close()
	got, err := ReadAll(f)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(3), got[1].Seq)
}

func TestMultiAndMemory(t *testing.T) {
	a, b := &Memory{}, &Memory{}
	m := Multi{a, nil, b, Discard{}}
	m.Record(sample(7))
	assert.Len(t, a.Events(), 1)
	assert.Equal(t, a.Events(), b.Events())
}
