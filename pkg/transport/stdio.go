package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
)

// stream exchanges newline-delimited JSON over a reader and a writer. It
// backs both the stdio and the subprocess transport.
type stream struct {
	*base
	opts *Options

	reader io.Reader
	writer io.Writer

	writeMu  sync.Mutex
	readDone chan struct{}

	// onFatal runs in its own goroutine after a read or write failure
	onFatal func()
}

func newStream(b *base, opts *Options) *stream {
	return &stream{
		base:     b,
		opts:     opts,
		readDone: make(chan struct{}),
	}
}

// Send writes msg as one line
func (s *stream) Send(ctx context.Context, msg protocol.Message) error {
	if err := s.checkSend(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return mcperrors.ConvertStandardError(err)
	}

	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return mcperrors.InternalError("encode message", err)
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	_, err = s.writer.Write(data)
	s.writeMu.Unlock()

	if err != nil {
		if s.closed() {
			return mcperrors.ConnectionClosed(string(s.kind))
		}
		wErr := mcperrors.StdioTransportError("write", err)
		s.fail(wErr)
		if s.onFatal != nil {
			go s.onFatal()
		}
		return wErr
	}
	return nil
}

// readLoop frames lines from the reader until EOF or a read error
func (s *stream) readLoop() error {
	defer close(s.readDone)

	framer := &lineFramer{max: s.opts.MaxMessageSize, kind: s.kind}
	buf := make([]byte, 32*1024)
	for {
		n, err := s.reader.Read(buf)
		if n > 0 {
			lines, ferr := framer.feed(buf[:n])
			for _, line := range lines {
				s.handleLine(line)
			}
			if ferr != nil {
				s.logger.Warn("dropping oversized line", logging.ErrorField(ferr))
				s.reportError(ferr)
			}
		}
		if err != nil {
			if rest := framer.flush(); len(rest) > 0 {
				s.handleLine(rest)
			}
			if errors.Is(err, io.EOF) || s.closed() {
				return nil
			}
			return mcperrors.StdioTransportError("read", err)
		}
	}
}

func (s *stream) handleLine(line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	s.deliverPayload(line)
}

// StdioTransport exchanges newline-delimited JSON over an existing reader and
// writer. Servers launched as subprocesses use it over os.Stdin and os.Stdout.
type StdioTransport struct {
	*stream
}

// NewStdioTransport creates a transport over r and w. Nil streams default to
// os.Stdin and os.Stdout.
func NewStdioTransport(r io.Reader, w io.Writer, opts ...Option) *StdioTransport {
	o := NewOptions(opts...)
	if r == nil {
		r = os.Stdin
	}
	if w == nil {
		w = os.Stdout
	}

	s := newStream(newBase(KindStdio, o, "StdioTransport"), o)
	s.reader = r
	s.writer = w

	t := &StdioTransport{stream: s}
	s.onFatal = func() { _ = t.Close() }
	return t
}

// Start begins reading lines in the background
func (t *StdioTransport) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return mcperrors.ConvertStandardError(err)
	}
	if err := t.beginStart(); err != nil {
		return err
	}
	t.setState(StateConnected)

	go func() {
		if err := t.readLoop(); err != nil {
			t.fail(err)
		}
		_ = t.Close()
	}()
	return nil
}

// Close stops the transport and closes the streams it was given, except the
// process's own standard streams.
func (t *StdioTransport) Close() error {
	if !t.finish() {
		return nil
	}

	closeUnlessStd(t.reader)
	closeUnlessStd(t.writer)
	t.logger.Debug("stdio transport closed")
	return nil
}

func closeUnlessStd(v interface{}) {
	if f, ok := v.(*os.File); ok && (f == os.Stdin || f == os.Stdout || f == os.Stderr) {
		return
	}
	if c, ok := v.(io.Closer); ok {
		_ = c.Close()
	}
}
