// Package hardware implements the hardware side of the worker that owns the
// physical RFID access controller: translating bus operations
// (add/remove/set_datetime/get_datetime) into calls on the board.
//
// The board speaks a proprietary UDP broadcast protocol with no vendor SDK.
// Board is an interface so the bus handler can be tested without a device;
// UDPBoard is a minimal reference implementation over a UDP socket.
package hardware

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// Board is the set of operations the bus carries over to the access
// controller.
type Board interface {
	Add(ctx context.Context, tagID string, convertedTag uint32) error
	Remove(ctx context.Context, tagID string, convertedTag uint32) error
	SetDateTime(ctx context.Context, t time.Time) error
	GetDateTime(ctx context.Context) (time.Time, error)
}

// UDPBoard is a minimal reference implementation of Board addressing a
// controller over a broadcast UDP socket. Bounded retry on device timeout
// lives here, not in the bus; the bus never retries.
type UDPBoard struct {
	Addr       string
	Conn       net.Conn
	MaxRetries int
	Timeout    time.Duration
}

// NewUDPBoard dials addr (host:port of the controller's broadcast listener).
func NewUDPBoard(addr string) (*UDPBoard, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("hardware: dialing controller at %s: %w", addr, err)
	}
	return &UDPBoard{Addr: addr, Conn: conn, MaxRetries: 3, Timeout: 2 * time.Second}, nil
}

// withRetry runs op up to MaxRetries times, returning the last error if all
// attempts fail. It does not retry on ctx cancellation.
func (b *UDPBoard) withRetry(ctx context.Context, op func() error) error {
	var lastErr error
	attempts := b.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := op(); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return fmt.Errorf("hardware: operation failed after %d attempts: %w", attempts, lastErr)
}

// Add enrolls convertedTag (the board's native numeric tag encoding) for
// tagID on the controller.
func (b *UDPBoard) Add(ctx context.Context, tagID string, convertedTag uint32) error {
	return b.withRetry(ctx, func() error {
		return b.send(addCardFrame(convertedTag))
	})
}

// Remove revokes convertedTag from the controller.
func (b *UDPBoard) Remove(ctx context.Context, tagID string, convertedTag uint32) error {
	return b.withRetry(ctx, func() error {
		return b.send(removeCardFrame(convertedTag))
	})
}

// SetDateTime sets the controller's onboard clock.
func (b *UDPBoard) SetDateTime(ctx context.Context, t time.Time) error {
	return b.withRetry(ctx, func() error {
		return b.send(setDateTimeFrame(t))
	})
}

// GetDateTime reads the controller's onboard clock.
func (b *UDPBoard) GetDateTime(ctx context.Context) (time.Time, error) {
	var result time.Time
	err := b.withRetry(ctx, func() error {
		reply, err := b.request(getDateTimeFrame())
		if err != nil {
			return err
		}
		result, err = decodeDateTime(reply)
		return err
	})
	return result, err
}

func (b *UDPBoard) send(frame []byte) error {
	b.Conn.SetWriteDeadline(time.Now().Add(b.Timeout))
	_, err := b.Conn.Write(frame)
	return err
}

func (b *UDPBoard) request(frame []byte) ([]byte, error) {
	if err := b.send(frame); err != nil {
		return nil, err
	}
	buf := make([]byte, 64)
	b.Conn.SetReadDeadline(time.Now().Add(b.Timeout))
	n, err := b.Conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Frame layout below is a minimal placeholder encoding (opcode + big-endian
// tag/time fields); it is not a claim about the real controller's byte
// layout, only a concrete, testable shape for this reference implementation.

const (
	opAddCard     = 0x01
	opRemoveCard  = 0x02
	opSetDateTime = 0x03
	opGetDateTime = 0x04
)

func addCardFrame(tag uint32) []byte {
	frame := make([]byte, 5)
	frame[0] = opAddCard
	binary.BigEndian.PutUint32(frame[1:], tag)
	return frame
}

func removeCardFrame(tag uint32) []byte {
	frame := make([]byte, 5)
	frame[0] = opRemoveCard
	binary.BigEndian.PutUint32(frame[1:], tag)
	return frame
}

func setDateTimeFrame(t time.Time) []byte {
	frame := make([]byte, 5)
	frame[0] = opSetDateTime
	binary.BigEndian.PutUint32(frame[1:], uint32(t.Unix()))
	return frame
}

func getDateTimeFrame() []byte {
	return []byte{opGetDateTime}
}

func decodeDateTime(reply []byte) (time.Time, error) {
	if len(reply) < 4 {
		return time.Time{}, fmt.Errorf("hardware: short get_datetime reply (%d bytes)", len(reply))
	}
	sec := binary.BigEndian.Uint32(reply[:4])
	return time.Unix(int64(sec), 0).UTC(), nil
}
