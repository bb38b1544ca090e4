// Package sidecar runs the detection model in a separate local process.
//
// The process reads length-prefixed msgpack requests on stdin and answers
// on stdout:
//
//	-> {"type": "hello"}
//	<- {"ready": true, "input_size": 320}
//	-> {"type": "infer", "input": <N*N*3 float32 LE>, "shape": [1, N, N, 3]}
//	<- {"output": <5*A float32 LE>, "shape": [1, 5, A]}
//
// Any response carrying a non-empty "error" field fails the request. The
// process's stderr is forwarded to the logger at debug level.
package sidecar

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/menta2k/privacy-shield/pkg/detection"
)

// ErrClosed is returned when no stream is open. A failed or abandoned
// request closes the stream, since the pipe would be out of sync; the next
// Load respawns or redials. It wraps detection.ErrBackendLost so a Detector
// reloads on its own.
var ErrClosed = fmt.Errorf("sidecar connection closed: %w", detection.ErrBackendLost)

// Config describes how to launch the inference process.
type Config struct {
	Command   string
	Args      []string
	InputSize int
	Timeout   time.Duration // per request, 0 disables
	Logger    *slog.Logger

	// Dial, when set, opens the stream instead of spawning Command, for
	// example a socket to a long running inference server.
	Dial func(ctx context.Context) (io.ReadWriteCloser, error)
}

// Backend implements detection.Backend over a sidecar process.
type Backend struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	conn   io.ReadWriteCloser
	cmd    *exec.Cmd
	size   int
	encBuf []byte
}

var _ detection.Backend = (*Backend)(nil)

// New creates a backend that spawns cfg.Command on Load.
func New(cfg Config) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{cfg: cfg, logger: logger, size: cfg.InputSize}
}

// NewWithConn creates a backend over an already established stream. Once
// that stream is lost, Load falls back to cfg.Dial or cfg.Command.
func NewWithConn(conn io.ReadWriteCloser, cfg Config) *Backend {
	b := New(cfg)
	b.conn = conn
	return b
}

// InputSize returns the model resolution, as configured or as announced by
// the sidecar during Load.
func (b *Backend) InputSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size > 0 {
		return b.size
	}
	return detection.DefaultInputSize
}

// Load opens the stream if needed and performs the hello handshake.
func (b *Backend) Load(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		if err := b.connect(ctx); err != nil {
			return err
		}
	}

	var resp response
	if err := b.roundTrip(ctx, request{Type: msgHello}, &resp); err != nil {
		return fmt.Errorf("sidecar handshake: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("sidecar not ready: %s", resp.Error)
	}
	if !resp.Ready {
		return errors.New("sidecar reported not ready")
	}
	if b.cfg.InputSize <= 0 && resp.InputSize > 0 {
		b.size = resp.InputSize
	}
	b.logger.Info("detection sidecar ready", "command", b.cfg.Command, "input_size", b.size)
	return nil
}

// Infer sends one tensor and waits for the anchors.
func (b *Backend) Infer(ctx context.Context, input []float32) (detection.Output, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return detection.Output{}, ErrClosed
	}
	size := b.size
	if size <= 0 {
		size = detection.DefaultInputSize
	}
	if len(input) != size*size*3 {
		return detection.Output{}, fmt.Errorf("input has %d values, want %d", len(input), size*size*3)
	}

	b.encBuf = encodeFloats(b.encBuf, input)
	req := request{Type: msgInfer, Input: b.encBuf, Shape: []int{1, size, size, 3}}

	var resp response
	if err := b.roundTrip(ctx, req, &resp); err != nil {
		return detection.Output{}, err
	}
	if resp.Error != "" {
		return detection.Output{}, fmt.Errorf("sidecar: %s", resp.Error)
	}
	if len(resp.Shape) != 3 || resp.Shape[0] != 1 || resp.Shape[1] != 5 {
		return detection.Output{}, fmt.Errorf("unexpected output shape %v", resp.Shape)
	}
	data, err := decodeFloats(resp.Output)
	if err != nil {
		return detection.Output{}, err
	}
	return detection.Output{Anchors: resp.Shape[2], Data: data}, nil
}

// Close stops the process and releases the stream.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.teardown()
}

// teardown must be called with mu held.
func (b *Backend) teardown() error {
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil

	if b.cmd != nil {
		cmd := b.cmd
		b.cmd = nil
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			b.logger.Warn("detection sidecar did not exit, killing", "pid", cmd.Process.Pid)
			_ = cmd.Process.Kill()
			<-done
		}
	}
	return err
}

// roundTrip writes req and reads into resp. It must be called with mu held.
// When ctx ends first the stream is closed, since a late reply would be
// read as the answer to the next request.
func (b *Backend) roundTrip(ctx context.Context, req request, resp *response) error {
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	conn := b.conn
	done := make(chan error, 1)
	go func() {
		if err := writeMessage(conn, req); err != nil {
			done <- err
			return
		}
		done <- readMessage(conn, resp)
	}()

	select {
	case err := <-done:
		if err != nil {
			_ = b.teardown()
			return fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return nil
	case <-ctx.Done():
		b.logger.Warn("detection sidecar request abandoned", "error", ctx.Err())
		_ = b.teardown()
		return fmt.Errorf("%w: %w", ErrClosed, ctx.Err())
	}
}

// connect opens a fresh stream. It must be called with mu held.
func (b *Backend) connect(ctx context.Context) error {
	if b.cfg.Dial == nil {
		return b.spawn()
	}
	conn, err := b.cfg.Dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to dial sidecar: %w", err)
	}
	b.conn = conn
	return nil
}

// spawn starts the configured process. It must be called with mu held.
func (b *Backend) spawn() error {
	if b.cfg.Command == "" {
		return errors.New("no sidecar command configured")
	}
	cmd := exec.Command(b.cfg.Command, b.cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start sidecar %q: %w", b.cfg.Command, err)
	}

	go b.logStderr(stderr)

	b.cmd = cmd
	b.conn = &pipeConn{Reader: stdout, WriteCloser: stdin}
	return nil
}

func (b *Backend) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		b.logger.Debug("detection sidecar", "stderr", scanner.Text())
	}
}

// pipeConn joins the child's stdout and stdin into one stream.
type pipeConn struct {
	io.Reader
	io.WriteCloser
}
