package replication

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmstore-go/internal/store"
)

func TestParseState(t *testing.T) {
	in := `#Mon Jan 15 12:01:02 UTC 2024
sequenceNumber=6123456
timestamp=2024-01-15T12\:00\:00Z
`
	s, err := ParseState(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, int64(6123456), s.SequenceNumber)
	assert.Equal(t, time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC), s.Timestamp)
}

func TestParseStateInvalid(t *testing.T) {
	_, err := ParseState(strings.NewReader("sequenceNumber=abc\n"))
	assert.Error(t, err)
	_, err = ParseState(strings.NewReader("timestamp=yesterday\n"))
	assert.Error(t, err)
}

func TestWriteState(t *testing.T) {
	want := State{SequenceNumber: 42, Timestamp: time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)}
	var buf bytes.Buffer
	require.NoError(t, WriteState(&buf, want))
	assert.Contains(t, buf.String(), `timestamp=2024-03-01T08\:30\:00Z`)

	got, err := ParseState(&buf)
	require.NoError(t, err)
	assert.Equal(t, want, *got)
}

func TestSequenceToPath(t *testing.T) {
	assert.Equal(t, "000/000/001", SequenceToPath(1))
	assert.Equal(t, "001/234/567", SequenceToPath(1234567))
	assert.Equal(t, "012/000/000", SequenceToPath(12000000))
}

func TestStateHeader(t *testing.T) {
	_, ok := StateOf(store.Header{})
	assert.False(t, ok)

	s := State{SequenceNumber: 7, Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	h := s.ApplyTo(store.Header{WritingProgram: "test"})
	assert.Equal(t, "test", h.WritingProgram)
	got, ok := StateOf(h)
	require.True(t, ok)
	assert.Equal(t, s, got)
}
