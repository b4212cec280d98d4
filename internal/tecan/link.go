package tecan

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/thatsimonsguy/replenisher/internal/pump"
)

const (
	DefaultBaud        = 9600
	DefaultReadTimeout = 500 * time.Millisecond
	// Attempts is how many times a frame is sent before the link is declared down.
	Attempts = 3
)

var errNoReply = errors.New("no reply before read timeout")

// Link is the shared RS-232/485 line. Every exchange holds the mutex for the whole
// command/reply round trip, so devices at different addresses can share one port.
type Link struct {
	mu   sync.Mutex
	port io.ReadWriter
	seq  byte
}

// NewLink wraps an already-open port. Reads must return (0, nil) on timeout, as
// go.bug.st/serial ports do once SetReadTimeout is applied.
func NewLink(port io.ReadWriter) *Link {
	return &Link{port: port}
}

// OpenLink opens name at baud 8N1.
func OpenLink(name string, baud int, readTimeout time.Duration) (*Link, error) {
	if baud == 0 {
		baud = DefaultBaud
	}
	if readTimeout == 0 {
		readTimeout = DefaultReadTimeout
	}
	p, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", pump.ErrLink, name, err)
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("%w: set read timeout on %s: %v", pump.ErrLink, name, err)
	}
	log.Info().Str("port", name).Int("baud", baud).Msg("Serial link open")
	return NewLink(p), nil
}

func (l *Link) Close() error {
	if c, ok := l.port.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
}

// ListPorts enumerates the serial ports on this host.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
		})
	}
	return ports, nil
}

// Send transmits cmd to the device at addr and returns its reply. A device-reported
// error comes back as *pump.DeviceError alongside the reply; a lost link wraps
// pump.ErrLink.
func (l *Link) Send(addr int, cmd string) (Reply, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq = l.seq%7 + 1
	var lastErr error
	for attempt := 0; attempt < Attempts; attempt++ {
		frame := encodeCommand(addr, l.seq, attempt > 0, cmd)
		if _, err := l.port.Write(frame); err != nil {
			return Reply{}, fmt.Errorf("%w: write to address %d: %v", pump.ErrLink, addr, err)
		}

		reply, err := l.readReply()
		if err == nil {
			if code := reply.ErrorCode(); code != 0 {
				return reply, &pump.DeviceError{Address: addr, Code: code}
			}
			return reply, nil
		}
		if !errors.Is(err, errNoReply) && !errors.Is(err, errChecksum) {
			return Reply{}, err
		}
		lastErr = err
		log.Warn().
			Err(err).
			Int("address", addr).
			Str("command", cmd).
			Int("attempt", attempt+1).
			Msg("Retransmitting command")
	}
	return Reply{}, fmt.Errorf("%w: address %d gave no valid reply to %q after %d attempts: %v",
		pump.ErrLink, addr, cmd, Attempts, lastErr)
}

func (l *Link) readReply() (Reply, error) {
	buf := make([]byte, 0, 32)
	chunk := make([]byte, 32)
	for {
		n, err := l.port.Read(chunk)
		if err != nil {
			return Reply{}, fmt.Errorf("%w: read: %v", pump.ErrLink, err)
		}
		if n == 0 {
			return Reply{}, errNoReply
		}
		buf = append(buf, chunk[:n]...)
		if frame, ok := splitFrame(buf); ok {
			reply, err := decodeReply(frame)
			if err != nil && !errors.Is(err, errChecksum) {
				return Reply{}, fmt.Errorf("%w: %v", pump.ErrLink, err)
			}
			return reply, err
		}
	}
}
