// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/exp/jsonrpc2"

	"github.com/porticolabs/portico/pkg/logger"
	transporterrors "github.com/porticolabs/portico/pkg/transport/errors"
)

const (
	defaultGraceWindow = 10 * time.Second
	// maxLineSize bounds a single JSON-RPC line read from the child.
	maxLineSize = 10 * 1024 * 1024
	// stderrTailSize is how much trailing stderr output is retained for
	// crash diagnostics.
	stderrTailSize = 4096
)

// StdioConfig describes how to launch and supervise a child process speaking
// newline-delimited JSON-RPC on its pipes.
type StdioConfig struct {
	Command string
	Args    []string
	Dir     string
	// Env is the full child environment. Nil inherits the hub's environment.
	Env []string
	// GraceWindow is how long Close waits after the termination signal
	// before escalating to a hard kill. Defaults to 10s.
	GraceWindow time.Duration
	// StderrObserver, when set, receives each stderr line as it arrives.
	// Stderr is diagnostic only and is never parsed as protocol.
	StderrObserver func(line string)
	// Spawner overrides process creation, used by tests to substitute
	// in-memory pipes for a real child.
	Spawner Spawner
}

// ExitStatus is the terminal status of a child process.
type ExitStatus struct {
	Code   int
	Signal string
}

// Process is a started child with piped stdio.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Terminate asks the process to exit (SIGTERM).
	Terminate() error
	// Kill forcibly ends the process.
	Kill() error
	// Done is closed once the process has exited; Status is valid after.
	Done() <-chan struct{}
	Status() ExitStatus
}

// Spawner creates processes.
type Spawner interface {
	Spawn(ctx context.Context, cfg StdioConfig) (Process, error)
}

// Stdio is the pipe transport variant.
type Stdio struct {
	cfg    StdioConfig
	frames chan jsonrpc2.Message
	errs   chan error

	writeMu sync.Mutex
	proc    Process

	stderrMu   sync.Mutex
	stderrTail []byte

	closeOnce  sync.Once
	userClosed chan struct{}
	readerDone chan struct{}
}

// NewStdio builds a pipe transport. Open spawns the process.
func NewStdio(cfg StdioConfig, opts Options) *Stdio {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = defaultGraceWindow
	}
	if cfg.Spawner == nil {
		cfg.Spawner = &OSSpawner{}
	}
	return &Stdio{
		cfg:        cfg,
		frames:     make(chan jsonrpc2.Message, opts.frameBuffer()),
		errs:       make(chan error, 4),
		userClosed: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
}

// Open spawns the child process and starts the pipe readers.
func (s *Stdio) Open(ctx context.Context) error {
	proc, err := s.cfg.Spawner.Spawn(ctx, s.cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", transporterrors.ErrSpawnFailed, err)
	}
	s.proc = proc

	go s.readStderr(proc.Stderr())
	go s.readFrames(proc)
	return nil
}

// Send writes one newline-terminated JSON-RPC frame to the child's stdin.
func (s *Stdio) Send(_ context.Context, msg jsonrpc2.Message) error {
	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.proc == nil {
		return transporterrors.ErrWriteAfterClose
	}
	select {
	case <-s.proc.Done():
		return transporterrors.ErrWriteAfterClose
	case <-s.userClosed:
		return transporterrors.ErrWriteAfterClose
	default:
	}

	if _, err := s.proc.Stdin().Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: %v", transporterrors.ErrWriteAfterClose, err)
	}
	return nil
}

// Frames returns the inbound frame stream.
func (s *Stdio) Frames() <-chan jsonrpc2.Message { return s.frames }

// Errors returns the fatal failure stream.
func (s *Stdio) Errors() <-chan error { return s.errs }

// StderrTail returns the most recent stderr output from the child.
func (s *Stdio) StderrTail() string {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()
	return string(s.stderrTail)
}

// Close signals the child to terminate, escalating to a hard kill after the
// grace window.
func (s *Stdio) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.userClosed) })
	if s.proc == nil {
		return nil
	}

	if err := s.proc.Terminate(); err != nil {
		// Termination signal failed (already gone or not signalable);
		// fall through to the hard kill path.
		logger.Debugf("terminate signal failed: %v", err)
	}

	grace := time.NewTimer(s.cfg.GraceWindow)
	defer grace.Stop()

	select {
	case <-s.proc.Done():
	case <-grace.C:
		_ = s.proc.Kill()
		<-s.proc.Done()
	case <-ctx.Done():
		_ = s.proc.Kill()
		return ctx.Err()
	}

	// Wait for the frame reader to drain and close the channels.
	select {
	case <-s.readerDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// readFrames consumes stdout line by line, emitting one decoded frame per
// newline. It owns the frames and errs channels and closes both on exit.
func (s *Stdio) readFrames(proc Process) {
	defer close(s.readerDone)
	defer close(s.errs)
	defer close(s.frames)

	scanner := bufio.NewScanner(proc.Stdout())
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := jsonrpc2.DecodeMessage(line)
		if err != nil {
			s.pushErr(fmt.Errorf("%w: %v", transporterrors.ErrProtocolParse, err))
			continue
		}
		s.frames <- msg
	}

	// Stdout is gone; the process has exited or is about to.
	<-proc.Done()
	st := proc.Status()

	select {
	case <-s.userClosed:
		// Requested shutdown, not a crash.
	default:
		s.pushErr(&transporterrors.ProcessExitError{Code: st.Code, Signal: st.Signal})
	}
}

func (s *Stdio) pushErr(err error) {
	select {
	case s.errs <- err:
	default:
		logger.Warnw("dropping transport error, channel full", "err", err)
	}
}

func (s *Stdio) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.appendStderr(line)
		if s.cfg.StderrObserver != nil {
			s.cfg.StderrObserver(line)
		}
	}
}

func (s *Stdio) appendStderr(line string) {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()
	s.stderrTail = append(s.stderrTail, line...)
	s.stderrTail = append(s.stderrTail, '\n')
	if over := len(s.stderrTail) - stderrTailSize; over > 0 {
		s.stderrTail = s.stderrTail[over:]
	}
}

// OSSpawner launches real child processes with piped stdio.
type OSSpawner struct{}

type osProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	done   chan struct{}
	status ExitStatus
}

// Spawn implements Spawner.
func (*OSSpawner) Spawn(_ context.Context, cfg StdioConfig) (Process, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &osProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

func (p *osProcess) wait() {
	defer close(p.done)
	err := p.cmd.Wait()
	if err == nil {
		p.status = ExitStatus{Code: 0}
		return
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		st := ExitStatus{Code: exitErr.ExitCode()}
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			st.Signal = ws.Signal().String()
		}
		p.status = st
		return
	}
	p.status = ExitStatus{Code: -1}
}

func (p *osProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *osProcess) Stdout() io.Reader     { return p.stdout }
func (p *osProcess) Stderr() io.Reader     { return p.stderr }

func (p *osProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *osProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *osProcess) Done() <-chan struct{} { return p.done }
func (p *osProcess) Status() ExitStatus    { return p.status }
