package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/logging"
)

// SubprocessShutdownGrace is how long Close waits for the child to exit
// after closing its stdin, and again after SIGTERM, before killing it.
var SubprocessShutdownGrace = 2 * time.Second

// SubprocessTransport launches a server process and talks to it over its
// standard input and output. Standard error is logged, never parsed.
type SubprocessTransport struct {
	*stream

	command string
	args    []string

	cmd      *exec.Cmd
	stdin    io.WriteCloser
	exited   chan struct{}
	exitErr  error
	stopping chan struct{}
	stopOnce sync.Once
}

// NewSubprocessTransport creates a transport that runs command with args on Start
func NewSubprocessTransport(command string, args []string, opts ...Option) *SubprocessTransport {
	o := NewOptions(opts...)
	s := newStream(newBase(KindStdio, o, "SubprocessTransport"), o)

	t := &SubprocessTransport{
		stream:   s,
		command:  command,
		args:     append([]string(nil), args...),
		exited:   make(chan struct{}),
		stopping: make(chan struct{}),
	}
	s.onFatal = func() { _ = t.Close() }
	return t
}

// Start launches the process and begins reading its output
func (t *SubprocessTransport) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return mcperrors.ConvertStandardError(err)
	}
	if err := t.beginStart(); err != nil {
		return err
	}

	cmd := exec.Command(t.command, t.args...)
	cmd.Env = append(os.Environ(), t.opts.Env...)
	cmd.Dir = t.opts.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return t.startFailed(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return t.startFailed(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return t.startFailed(err)
	}
	if err := cmd.Start(); err != nil {
		return t.startFailed(err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.reader = stdout
	t.writer = stdin
	t.setState(StateConnected)
	t.logger.Info("server process started",
		logging.String("command", t.command),
		logging.Int("pid", cmd.Process.Pid),
	)

	var g errgroup.Group
	g.Go(t.readLoop)
	g.Go(func() error {
		t.logStderr(stderr)
		return nil
	})

	go t.supervise(&g)
	return nil
}

func (t *SubprocessTransport) startFailed(err error) error {
	cErr := mcperrors.ConnectionFailed(string(KindStdio), t.command, err)
	t.fail(cErr)
	t.finish()
	return cErr
}

// supervise waits for the pipes to drain and the process to exit, then
// closes the transport. An exit that Close did not ask for is an error.
func (t *SubprocessTransport) supervise(g *errgroup.Group) {
	readErr := g.Wait()
	t.exitErr = t.cmd.Wait()
	close(t.exited)

	select {
	case <-t.stopping:
	default:
		switch {
		case readErr != nil:
			t.fail(readErr)
		case t.exitErr != nil:
			t.fail(mcperrors.StdioTransportError("process exited", t.exitErr))
		default:
			t.fail(mcperrors.ConnectionLost(string(KindStdio), t.command, fmt.Errorf("server process exited")))
		}
	}
	_ = t.Close()
}

func (t *SubprocessTransport) logStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), t.opts.MaxMessageSize)
	for sc.Scan() {
		line := sc.Text()
		t.logger.Debug("server stderr", logging.String("line", line))
		if t.opts.Stderr != nil {
			_, _ = fmt.Fprintln(t.opts.Stderr, line)
		}
	}
}

// Close closes the child's stdin and waits for it to exit. A child still
// running after the grace period gets SIGTERM, then SIGKILL.
func (t *SubprocessTransport) Close() error {
	t.stopOnce.Do(func() { close(t.stopping) })
	if !t.finish() {
		return nil
	}
	if t.cmd == nil {
		return nil
	}

	_ = t.stdin.Close()
	if !t.waitExit() {
		t.logger.Info("server process still running, sending SIGTERM", logging.String("command", t.command))
		if err := t.cmd.Process.Signal(syscall.SIGTERM); err != nil || !t.waitExit() {
			t.logger.Warn("server process did not exit, killing it", logging.String("command", t.command))
			_ = t.cmd.Process.Kill()
			<-t.exited
		}
	}
	t.logger.Debug("subprocess transport closed")
	return nil
}

func (t *SubprocessTransport) waitExit() bool {
	timer := time.NewTimer(SubprocessShutdownGrace)
	defer timer.Stop()
	select {
	case <-t.exited:
		return true
	case <-timer.C:
		return false
	}
}

// ExitError returns the process exit status once the process has exited
func (t *SubprocessTransport) ExitError() error {
	select {
	case <-t.exited:
		return t.exitErr
	default:
		return nil
	}
}
