package agentexec

import (
	"fmt"
	"strings"
)

// stderrLabel separates stdout from stderr in Result.Output.
const stderrLabel = "\nSTDERR:\n"

// capture keeps the first and the last limit bytes written to it and
// counts the rest. With limit at least the output cap, any head or tail
// of up to limit bytes of the stream can be rebuilt.
type capture struct {
	limit int
	head  []byte
	tail  []byte // ring once full
	tpos  int
	total int
}

func newCapture(limit int) *capture {
	return &capture{limit: limit}
}

func (c *capture) Write(p []byte) (int, error) {
	n := len(p)
	c.total += n
	if c.limit <= 0 {
		return n, nil
	}
	if room := c.limit - len(c.head); room > 0 {
		k := min(room, len(p))
		c.head = append(c.head, p[:k]...)
		p = p[k:]
	}
	for len(p) > 0 {
		if len(c.tail) < c.limit {
			k := min(c.limit-len(c.tail), len(p))
			c.tail = append(c.tail, p[:k]...)
			p = p[k:]
			continue
		}
		// Only the last limit bytes of p can survive.
		if len(p) > c.limit {
			p = p[len(p)-c.limit:]
		}
		k := copy(c.tail[c.tpos:], p)
		if k < len(p) {
			copy(c.tail, p[k:])
		}
		c.tpos = (c.tpos + len(p)) % c.limit
		p = nil
	}
	return n, nil
}

// segments returns the kept bytes in stream order with the number of
// bytes omitted after each piece.
func (c *capture) segments() []segment {
	tail := c.tail
	if c.tpos != 0 {
		tail = make([]byte, 0, len(c.tail))
		tail = append(tail, c.tail[c.tpos:]...)
		tail = append(tail, c.tail[:c.tpos]...)
	}
	omitted := c.total - len(c.head) - len(tail)
	if omitted == 0 {
		return []segment{{data: append(c.head[:len(c.head):len(c.head)], tail...)}}
	}
	return []segment{{data: c.head, gap: omitted}, {data: tail}}
}

type segment struct {
	data []byte
	gap  int
}

// combineOutput renders stdout, the stderr label and stderr, keeping the
// first and last halves of maxBytes around a truncation marker when the
// combined text is longer. It returns the text, the untruncated size and
// whether truncation happened.
func combineOutput(stdout, stderr *capture, maxBytes int) (string, int, bool) {
	segs := stdout.segments()
	if stderr.total > 0 {
		segs = append(segs, segment{data: []byte(stderrLabel)})
		segs = append(segs, stderr.segments()...)
	}
	total := 0
	for _, s := range segs {
		total += len(s.data) + s.gap
	}
	if total <= maxBytes {
		var b strings.Builder
		b.Grow(total)
		for _, s := range segs {
			b.Write(s.data)
		}
		return b.String(), total, false
	}

	headLen := maxBytes / 2
	tailLen := maxBytes - headLen
	head := prefix(segs, headLen)
	tail := suffix(segs, tailLen)
	omitted := total - len(head) - len(tail)
	out := strings.ToValidUTF8(string(head), "") +
		fmt.Sprintf("\n\n... [%d bytes truncated] ...\n\n", omitted) +
		strings.ToValidUTF8(string(tail), "")
	return out, total, true
}

func prefix(segs []segment, n int) []byte {
	out := make([]byte, 0, n)
	for _, s := range segs {
		k := min(n-len(out), len(s.data))
		out = append(out, s.data[:k]...)
		if len(out) == n || s.gap > 0 {
			break
		}
	}
	return out
}

func suffix(segs []segment, n int) []byte {
	var parts [][]byte
	got := 0
	for i := len(segs) - 1; i >= 0 && got < n; i-- {
		s := segs[i]
		if s.gap > 0 && got > 0 {
			break
		}
		k := min(n-got, len(s.data))
		parts = append(parts, s.data[len(s.data)-k:])
		got += k
	}
	out := make([]byte, 0, got)
	for i := len(parts) - 1; i >= 0; i-- {
		out = append(out, parts[i]...)
	}
	return out
}
