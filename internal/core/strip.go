package core

import "strings"

// stripTerminalEscapes removes terminal escape and control sequences from raw
// PTY output, leaving plain text for pattern matching and transcript capture.
//
// Recognized: CSI (ESC [ ... final, private-mode variants included), OSC
// (ESC ] ... BEL or ST), the string sequences DCS/SOS/PM/APC (ESC P/X/^/_
// ... ST), charset designators (ESC ( X etc.), and bare ESC <intermediates>
// <final>. C0 controls are dropped except \n; \r normalises to \n and \t to
// a space. Bytes 0x80-0x9F are passed through untouched: they occur inside
// UTF-8 sequences (the prompt glyph ❯ contains 0x9D), so interpreting them
// as C1 introducers would corrupt multibyte text.
func stripTerminalEscapes(raw []byte) string {
	var out strings.Builder
	out.Grow(len(raw))
	i := 0
	for i < len(raw) {
		c := raw[i]
		switch {
		case c == 0x1b:
			i = consumeEscape(raw, i+1, &out)
		case c < 0x20:
			out.WriteString(c0Text(c))
			i++
		case c == 0x7f:
			i++
		default:
			out.WriteByte(c)
			i++
		}
	}
	return out.String()
}

// consumeEscape dispatches on the byte after ESC and returns the index just
// past the sequence. A lone trailing ESC is dropped.
func consumeEscape(raw []byte, i int, out *strings.Builder) int {
	if i >= len(raw) {
		return i
	}
	switch raw[i] {
	case '[':
		end, final := scanCSI(raw, i+1)
		out.WriteString(csiText(final))
		return end
	case ']':
		return scanOSCEnd(raw, i+1)
	case 'P', 'X', '^', '_':
		return scanStringEnd(raw, i+1)
	case '(', ')', '*', '+':
		// charset designator: one designation byte follows
		return i + 2
	default:
		// bare sequence: optional intermediates 0x20-0x2F, one final byte
		j := i
		for j < len(raw) && raw[j] >= 0x20 && raw[j] <= 0x2f {
			j++
		}
		if j < len(raw) {
			j++
		}
		return j
	}
}

// scanCSI skips parameter and intermediate bytes (< 0x40) and returns the
// position past the final byte along with the final byte itself.
func scanCSI(raw []byte, i int) (int, byte) {
	for i < len(raw) && raw[i] < 0x40 {
		i++
	}
	if i < len(raw) {
		return i + 1, raw[i]
	}
	return i, 0
}

// csiText maps cursor movement onto whitespace: the agent emits CSI C
// (cursor forward) between words and CSI B (cursor down) between lines, so
// dropping them outright would glue words together.
func csiText(final byte) string {
	switch final {
	case 'C':
		return " "
	case 'B':
		return "\n"
	}
	return ""
}

// scanOSCEnd consumes up to and including BEL or ST (ESC \).
func scanOSCEnd(raw []byte, i int) int {
	for i < len(raw) {
		if raw[i] == 0x07 {
			return i + 1
		}
		if raw[i] == 0x1b && i+1 < len(raw) && raw[i+1] == '\\' {
			return i + 2
		}
		i++
	}
	return i
}

// scanStringEnd consumes up to and including ST (ESC \).
func scanStringEnd(raw []byte, i int) int {
	for i < len(raw) {
		if raw[i] == 0x1b && i+1 < len(raw) && raw[i+1] == '\\' {
			return i + 2
		}
		i++
	}
	return i
}

func c0Text(c byte) string {
	switch c {
	case '\n', '\r':
		return "\n"
	case '\t':
		return " "
	}
	return ""
}
