package replication

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/wegman-software/osmstore-go/internal/store"
)

// State is one position in a replication stream.
type State struct {
	SequenceNumber int64
	Timestamp      time.Time
}

func (s State) String() string {
	return fmt.Sprintf("Sequence: %d, Timestamp: %s", s.SequenceNumber, s.Timestamp.Format(time.RFC3339))
}

// StateOf reads the replication position recorded in a store header.
func StateOf(h store.Header) (State, bool) {
	if h.ReplicationSequence <= 0 {
		return State{}, false
	}
	return State{SequenceNumber: h.ReplicationSequence, Timestamp: h.ReplicationTimestamp}, true
}

// ApplyTo records s as the replication position of h.
func (s State) ApplyTo(h store.Header) store.Header {
	h.ReplicationSequence = s.SequenceNumber
	h.ReplicationTimestamp = s.Timestamp
	return h
}

// ParseState parses a state.txt file. Colons in the timestamp are usually
// escaped as "\:".
//
//	#comment line
//	sequenceNumber=12345
//	timestamp=2024-01-15T12\:00\:00Z
func ParseState(r io.Reader) (*State, error) {
	state := &State{}
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)

		switch key {
		case "sequenceNumber":
			seq, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid sequence number: %w", err)
			}
			state.SequenceNumber = seq
		case "timestamp":
			value = strings.ReplaceAll(value, `\:`, ":")
			t, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return nil, fmt.Errorf("invalid timestamp %q: %w", value, err)
			}
			state.Timestamp = t.UTC()
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading state: %w", err)
	}
	return state, nil
}

// WriteState writes s in state.txt format.
func WriteState(w io.Writer, s State) error {
	ts := strings.ReplaceAll(s.Timestamp.UTC().Format("2006-01-02T15:04:05Z"), ":", `\:`)
	_, err := fmt.Fprintf(w, "# osmstore-go replication state\nsequenceNumber=%d\ntimestamp=%s\n", s.SequenceNumber, ts)
	return err
}

// SequenceToPath converts a sequence number to its AAA/BBB/CCC directory
// path, e.g. 1234567 becomes 001/234/567.
func SequenceToPath(seq int64) string {
	return fmt.Sprintf("%03d/%03d/%03d",
		seq/1000000,
		(seq/1000)%1000,
		seq%1000)
}
