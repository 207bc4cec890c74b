package pattern

import "strings"

// thinkingHeartbeat is how many swallowed reasoning chunks produce one
// visible heartbeat event, so the UI shows life without the content.
const thinkingHeartbeat = 20

// swallowMarkers are in-band regions hidden from viewers: reasoning
// blocks, leaked raw tool-call tokens, and XML tool invocations.
var swallowMarkers = []struct{ open, close string }{
	{"<think>", "</think>"},
	{"<|tool_calls_section_begin|>", "<|tool_calls_section_end|>"},
	{"<invoke", "</invoke>"},
}

// streamFilter strips swallowMarkers regions from a live delta stream.
// Markers can split across chunk boundaries, so any tail that could
// still open or close a marker is held back until more text arrives.
type streamFilter struct {
	buf     string
	closing string // close marker being sought; "" while passing text
	ticks   int
}

// push feeds one delta and returns the emittable text plus whether a
// thinking heartbeat is due for swallowed content.
func (f *streamFilter) push(delta string) (string, bool) {
	f.buf += delta
	var (
		out  strings.Builder
		tick bool
	)
	for {
		if f.closing != "" {
			idx := strings.Index(f.buf, f.closing)
			if idx < 0 {
				f.buf = partialTail(f.buf, f.closing)
				if f.tick() {
					tick = true
				}
				break
			}
			f.buf = f.buf[idx+len(f.closing):]
			f.closing = ""
			continue
		}

		lt := strings.IndexByte(f.buf, '<')
		if lt < 0 {
			out.WriteString(f.buf)
			f.buf = ""
			break
		}
		out.WriteString(f.buf[:lt])
		f.buf = f.buf[lt:]

		opened, partial := false, false
		for _, m := range swallowMarkers {
			if strings.HasPrefix(f.buf, m.open) {
				f.buf = f.buf[len(m.open):]
				f.closing = m.close
				opened = true
				break
			}
			if len(f.buf) < len(m.open) && strings.HasPrefix(m.open, f.buf) {
				partial = true
			}
		}
		if opened {
			continue
		}
		if partial {
			break // wait for the next chunk to decide
		}
		out.WriteByte('<')
		f.buf = f.buf[1:]
	}
	return out.String(), tick
}

// tick counts one swallowed chunk and reports when a heartbeat is due.
func (f *streamFilter) tick() bool {
	f.ticks++
	if f.ticks >= thinkingHeartbeat {
		f.ticks = 0
		return true
	}
	return false
}

// flush returns whatever text is still held back. Inside an unclosed
// marker region the remainder is dropped.
func (f *streamFilter) flush() string {
	if f.closing != "" {
		f.buf = ""
		return ""
	}
	out := f.buf
	f.buf = ""
	return out
}

// partialTail returns the longest suffix of s that could still grow
// into marker.
func partialTail(s, marker string) string {
	max := len(marker) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(marker, s[len(s)-n:]) {
			return s[len(s)-n:]
		}
	}
	return ""
}
