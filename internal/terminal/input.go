package terminal

import (
	"strings"
	"unicode/utf8"
)

const maxPendingLine = 4096

// lineEditor reconstructs submitted lines from raw keystrokes. It honours
// backspace and skips escape sequences; anything fancier (cursor movement,
// history recall) is not replayed.
type lineEditor struct {
	buf    []rune
	escape bool
	csi    bool
}

func (e *lineEditor) feed(data []byte) []string {
	var out []string
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		data = data[size:]
		if e.escape {
			e.skipEscape(r)
			continue
		}
		switch {
		case r == 0x1b:
			e.escape = true
		case r == '\r' || r == '\n':
			if line := strings.TrimSpace(string(e.buf)); line != "" {
				out = append(out, line)
			}
			e.buf = e.buf[:0]
		case r == 0x7f || r == 0x08:
			if len(e.buf) > 0 {
				e.buf = e.buf[:len(e.buf)-1]
			}
		case r == 0x15:
			e.buf = e.buf[:0]
		case r == '\t' || r >= 0x20:
			if len(e.buf) < maxPendingLine {
				e.buf = append(e.buf, r)
			}
		}
	}
	return out
}

func (e *lineEditor) skipEscape(r rune) {
	if !e.csi {
		if r == '[' || r == 'O' {
			e.csi = true
			return
		}
		e.escape = false
		return
	}
	if r >= 0x40 && r <= 0x7e {
		e.escape = false
		e.csi = false
	}
}
