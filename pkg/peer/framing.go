/**
 * @description
 * This package implements the bank-to-bank transport: one newline-terminated JSON
 * message per TLS connection, answered by one newline-terminated text line
 * (`ACK: ...` / `NACK: <reason>`), after which the connection is closed.
 *
 * @dependencies
 * - bufio, bytes, crypto/tls, net: Standard Go libraries.
 * - golang.org/x/sync/semaphore: Bounds the number of in-flight connection handlers.
 */
package peer

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// DefaultMaxFrameBytes bounds a single message when no explicit limit is configured.
const DefaultMaxFrameBytes = 64 * 1024

// MaxReplyBytes bounds the reply line read by the client.
const MaxReplyBytes = 4096

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrEmptyFrame    = errors.New("empty frame")
	ErrFrameNewline  = errors.New("frame payload contains a newline")
)

// WriteFrame writes payload followed by the frame delimiter.
func WriteFrame(w io.Writer, payload []byte) error {
	if bytes.IndexByte(payload, '\n') >= 0 {
		return ErrFrameNewline
	}
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one delimited frame of at most maxBytes. A peer that closes its write
// side after a non-empty partial frame is treated as having sent that frame.
func ReadFrame(r *bufio.Reader, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}

	var frame []byte
	for {
		chunk, err := r.ReadSlice('\n')
		frame = append(frame, chunk...)
		if len(frame) > maxBytes+1 || (len(frame) > maxBytes && frame[len(frame)-1] != '\n') {
			return nil, ErrFrameTooLarge
		}

		switch {
		case err == nil:
			frame = bytes.TrimRight(frame, "\r\n")
			if len(bytes.TrimSpace(frame)) == 0 {
				return nil, ErrEmptyFrame
			}
			return frame, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(bytes.TrimSpace(frame)) == 0 {
				return nil, io.EOF
			}
			return bytes.TrimRight(frame, "\r\n"), nil
		default:
			return nil, err
		}
	}
}
