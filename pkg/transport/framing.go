package transport

import (
	"bytes"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
)

// lineFramer splits a byte stream into newline-terminated lines. Bytes after
// the last newline stay pending until a later chunk completes the line.
type lineFramer struct {
	pending []byte
	max     int
	kind    Kind
}

// feed appends chunk and returns every line it completes, without the
// trailing newline. A pending line longer than max is discarded and reported.
func (f *lineFramer) feed(chunk []byte) ([][]byte, error) {
	var (
		lines [][]byte
		err   error
	)
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			f.pending = append(f.pending, chunk...)
			break
		}

		var line []byte
		if len(f.pending) > 0 {
			line = append(f.pending, chunk[:i]...)
			f.pending = nil
		} else {
			line = append([]byte(nil), chunk[:i]...)
		}
		chunk = chunk[i+1:]

		if f.max > 0 && len(line) > f.max {
			err = mcperrors.MessageTooLarge(string(f.kind), int64(len(line)), int64(f.max))
			continue
		}
		lines = append(lines, line)
	}

	if f.max > 0 && len(f.pending) > f.max {
		err = mcperrors.MessageTooLarge(string(f.kind), int64(len(f.pending)), int64(f.max))
		f.pending = nil
	}
	return lines, err
}

// flush returns the unterminated remainder at end of stream
func (f *lineFramer) flush() []byte {
	rest := f.pending
	f.pending = nil
	return rest
}
