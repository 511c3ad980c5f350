package bus

import (
	"fmt"
	"strconv"
	"strings"
)

// StreamID identifies a stream entry. The textual form is "ms-seq", where ms
// is a millisecond timestamp and seq disambiguates entries appended within
// the same millisecond. The zero value sorts before every real id and is
// used as a "from the beginning" cursor.
type StreamID struct {
	Ms  int64
	Seq int64
}

// ParseStreamID parses the "ms-seq" form. A bare "ms" is accepted with an
// implied sequence of 0. An empty string parses to the zero id.
func ParseStreamID(s string) (StreamID, error) {
	if s == "" || s == "0" || s == "0-0" {
		return StreamID{}, nil
	}
	msPart, seqPart, found := strings.Cut(s, "-")
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("invalid stream id %q: %w", s, err)
	}
	var seq int64
	if found {
		seq, err = strconv.ParseInt(seqPart, 10, 64)
		if err != nil {
			return StreamID{}, fmt.Errorf("invalid stream id %q: %w", s, err)
		}
	}
	return StreamID{Ms: ms, Seq: seq}, nil
}

func (id StreamID) String() string {
	return fmt.Sprintf("%d-%d", id.Ms, id.Seq)
}

// IsZero reports whether id is the beginning-of-stream cursor.
func (id StreamID) IsZero() bool {
	return id.Ms == 0 && id.Seq == 0
}

// Compare returns -1, 0, or 1 as id orders before, equal to, or after other.
func (id StreamID) Compare(other StreamID) int {
	switch {
	case id.Ms < other.Ms:
		return -1
	case id.Ms > other.Ms:
		return 1
	case id.Seq < other.Seq:
		return -1
	case id.Seq > other.Seq:
		return 1
	default:
		return 0
	}
}

// Before reports whether id orders strictly before other.
func (id StreamID) Before(other StreamID) bool {
	return id.Compare(other) < 0
}
