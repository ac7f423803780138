package transport

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
)

// streamEvent is one dispatched server-sent event
type streamEvent struct {
	ID       string
	HasID    bool
	Type     string
	Data     string
	Retry    time.Duration
	HasRetry bool
}

// eventReader parses a text/event-stream body incrementally. Unlike a
// message-only reader it surfaces the retry field, which the streaming HTTP
// listener honours over its own backoff.
type eventReader struct {
	r    *bufio.Reader
	max  int
	kind Kind
}

func newEventReader(r io.Reader, max int, kind Kind) *eventReader {
	return &eventReader{r: bufio.NewReaderSize(r, 4096), max: max, kind: kind}
}

// next returns the next event that carries data, an id or a retry value.
// It returns io.EOF at the end of the stream; a trailing event without its
// blank line terminator is discarded.
func (er *eventReader) next() (streamEvent, error) {
	var (
		ev      streamEvent
		data    bytes.Buffer
		hasData bool
		any     bool
	)

	for {
		line, err := er.r.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) {
				return streamEvent{}, io.EOF
			}
			return streamEvent{}, err
		}
		line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

		if line == "" {
			if err != nil {
				return streamEvent{}, io.EOF
			}
			if !any {
				continue
			}
			if hasData {
				ev.Data = data.String()
			}
			return ev, nil
		}
		if err != nil {
			// Unterminated final line.
			return streamEvent{}, io.EOF
		}

		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
			any = true
			if er.max > 0 && data.Len() > er.max {
				return streamEvent{}, mcperrors.MessageTooLarge(string(er.kind), int64(data.Len()), int64(er.max))
			}
		case "id":
			if !strings.ContainsRune(value, 0) {
				ev.ID = value
				ev.HasID = true
				any = true
			}
		case "event":
			ev.Type = value
		case "retry":
			if ms, perr := strconv.Atoi(value); perr == nil && ms >= 0 {
				ev.Retry = time.Duration(ms) * time.Millisecond
				ev.HasRetry = true
				any = true
			}
		}
	}
}
