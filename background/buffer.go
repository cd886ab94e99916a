package background

// LimitMarker is appended once when a shell's output ceiling is reached.
const LimitMarker = "\n[output limit reached; further output discarded]\n"

// accumulator holds unread output for one shell. The ceiling counts every
// byte accepted since the shell started, not just unread bytes, so the
// marker is written at most once per shell. Accepted data plus the marker
// never exceed limit. Callers serialize access.
type accumulator struct {
	limit    int
	buf      []byte
	accepted int   // data bytes accepted so far
	received int64 // data bytes offered so far
	dropped  int64
	full     bool
}

func newAccumulator(limit int) *accumulator {
	return &accumulator{limit: limit}
}

// usable is the data budget left after reserving room for the marker.
func (a *accumulator) usable() int {
	reserve := min(len(LimitMarker), a.limit)
	return a.limit - reserve
}

func (a *accumulator) write(p []byte) {
	a.received += int64(len(p))
	if a.full {
		a.dropped += int64(len(p))
		return
	}
	room := a.usable() - a.accepted
	if len(p) <= room {
		a.buf = append(a.buf, p...)
		a.accepted += len(p)
		return
	}
	a.buf = append(a.buf, p[:room]...)
	a.accepted += room
	a.dropped += int64(len(p) - room)
	a.buf = append(a.buf, LimitMarker[:a.limit-a.usable()]...)
	a.full = true
}

// take returns and clears the unread output.
func (a *accumulator) take() []byte {
	out := a.buf
	a.buf = nil
	return out
}

// pending returns the number of unread bytes.
func (a *accumulator) pending() int { return len(a.buf) }
