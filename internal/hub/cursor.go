package hub

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Cursor is an opaque position marker within a single channel. It encodes
// (sequence, timestampMs); sequence gives the total order, the timestamp
// disambiguates buffers recreated after a reap. Cursors from different
// channels are never comparable.
type Cursor string

func encodeCursor(seq uint64, tsMs int64) Cursor {
	raw := strconv.FormatUint(seq, 10) + ":" + strconv.FormatInt(tsMs, 10)
	return Cursor(base64.RawURLEncoding.EncodeToString([]byte(raw)))
}

// decodeCursor returns the embedded (sequence, timestampMs). Any decode
// failure is reported as an error; callers treat that as "cursor absent".
func decodeCursor(c Cursor) (seq uint64, tsMs int64, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil {
		return 0, 0, fmt.Errorf("decode cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("decode cursor: malformed payload")
	}
	seq, err = strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("decode cursor sequence: %w", err)
	}
	tsMs, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("decode cursor timestamp: %w", err)
	}
	return seq, tsMs, nil
}
