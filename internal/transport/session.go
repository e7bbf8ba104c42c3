package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Session is one open handle on a resource. It is not safe for concurrent
// use; sessions are short-lived and owned by a single caller.
type Session struct {
	resource string
	conn     Conn
	opts     SessionOptions
	release  func()
	logger   *zap.Logger
	closed   bool
}

func newSession(resource string, conn Conn, opts SessionOptions, release func(), logger *zap.Logger) *Session {
	return &Session{
		resource: resource,
		conn:     conn,
		opts:     opts,
		release:  release,
		logger:   logger.With(zap.String("resource", resource)),
	}
}

// Resource returns the address the session was opened on.
func (s *Session) Resource() string {
	return s.resource
}

// Close closes the connection and releases any exclusive claim.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	defer s.release()

	if err := s.conn.Close(); err != nil {
		return &Error{Op: "close", Resource: s.resource, Err: err}
	}
	return nil
}

// Write sends one command followed by the write termination.
func (s *Session) Write(ctx context.Context, command string) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: "write", Resource: s.resource, Err: err}
	}

	s.logger.Debug("SCPI write", zap.String("command", command))

	if _, err := s.conn.Write([]byte(command + s.opts.Termination)); err != nil {
		return &Error{Op: "write", Resource: s.resource, Err: err}
	}
	return nil
}

// Query writes command, waits delay and reads one line. The line
// termination is stripped.
func (s *Session) Query(ctx context.Context, command string, delay time.Duration) (string, error) {
	if err := s.Write(ctx, command); err != nil {
		return "", err
	}
	if err := sleep(ctx, delay); err != nil {
		return "", &Error{Op: "query", Resource: s.resource, Err: err}
	}

	line, err := s.readLine()
	if err != nil {
		return "", err
	}

	reply := strings.TrimRight(string(line), "\r\n")
	s.logger.Debug("SCPI reply", zap.String("command", command), zap.String("reply", reply))

	return reply, nil
}

// QueryBinary writes command, waits params.Delay, reads one binary block and
// decodes it into the requested container.
func (s *Session) QueryBinary(ctx context.Context, command string, params BinaryParams) (*Values, error) {
	raw, err := s.QueryBlock(ctx, command, params.Delay)
	if err != nil {
		return nil, err
	}

	payload, err := DecodeBlock(raw)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Binary block received",
		zap.String("command", command),
		zap.Int("raw_bytes", len(raw)),
		zap.Int("payload_bytes", len(payload)))

	return DecodeValues(payload, params)
}

// QueryBlock writes command, waits delay and reads one binary block without
// decoding it. Streams that are not a definite length block are read until
// idle.
func (s *Session) QueryBlock(ctx context.Context, command string, delay time.Duration) ([]byte, error) {
	if err := s.Write(ctx, command); err != nil {
		return nil, err
	}
	if err := sleep(ctx, delay); err != nil {
		return nil, &Error{Op: "query", Resource: s.resource, Err: err}
	}

	return s.readBlock()
}

// ReadRaw reads whatever the device streams without sending anything. It
// waits the full timeout for the first byte and stops at EOF or once the
// stream has been idle for ReadIdle.
func (s *Session) ReadRaw(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: "read", Resource: s.resource, Err: err}
	}

	data, err := s.readChunk(s.opts.Timeout)
	if err != nil {
		return nil, &Error{Op: "read", Resource: s.resource, Err: err}
	}

	return s.readUntilIdle(data)
}

func (s *Session) readLine() ([]byte, error) {
	term := []byte(s.opts.Termination)
	lf := term[len(term)-1:]

	var buf []byte
	for {
		chunk, err := s.readChunk(s.opts.Timeout)
		if err != nil {
			return nil, &Error{Op: "read", Resource: s.resource, Err: err}
		}
		buf = append(buf, chunk...)

		if i := bytes.Index(buf, lf); i >= 0 {
			return buf[:i+1], nil
		}
	}
}

// readBlock reads until a definite length block is complete. A stream that
// is not a definite length block is read until idle. A timeout after part of
// the block arrived returns what was read so the decoder reports it as short.
func (s *Session) readBlock() ([]byte, error) {
	buf, err := s.readChunk(s.opts.Timeout)
	if err != nil {
		return nil, &Error{Op: "read", Resource: s.resource, Err: err}
	}

	for {
		need, framed, err := blockNeed(buf)
		if err != nil {
			return nil, err
		}
		if !framed {
			return s.readUntilIdle(buf)
		}
		if need == 0 {
			return buf, nil
		}

		chunk, err := s.readChunk(s.opts.Timeout)
		if err != nil {
			if isTimeout(err) || errors.Is(err, io.EOF) {
				s.logger.Warn("Binary block incomplete",
					zap.Int("received", len(buf)),
					zap.Error(err))
				return buf, nil
			}
			return nil, &Error{Op: "read", Resource: s.resource, Err: err}
		}
		buf = append(buf, chunk...)
	}
}

func (s *Session) readUntilIdle(buf []byte) ([]byte, error) {
	for {
		chunk, err := s.readChunk(s.opts.ReadIdle)
		if err != nil {
			if isTimeout(err) || errors.Is(err, io.EOF) {
				return buf, nil
			}
			return nil, &Error{Op: "read", Resource: s.resource, Err: err}
		}
		buf = append(buf, chunk...)
	}
}

func (s *Session) readChunk(timeout time.Duration) ([]byte, error) {
	if err := s.conn.SetReadTimeout(timeout); err != nil {
		return nil, err
	}

	chunk := make([]byte, s.opts.ChunkSize)
	n, err := s.conn.Read(chunk)
	if n > 0 {
		return chunk[:n], nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return nil, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
