package tecan

import (
	"errors"
	"fmt"
)

const (
	stx = 0x02
	etx = 0x03

	// masterAddress is what devices put in the address byte of every reply.
	masterAddress = '0'

	statusReady = 0x20
	statusError = 0x0F
)

var errChecksum = errors.New("reply checksum mismatch")

// Reply is one answer frame from a device.
type Reply struct {
	Status byte
	Data   string
}

// Ready reports whether the device has finished executing and accepts new commands.
func (r Reply) Ready() bool {
	return r.Status&statusReady != 0
}

// ErrorCode is the low nibble of the status byte; zero means no error.
func (r Reply) ErrorCode() int {
	return int(r.Status & statusError)
}

func checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum ^= c
	}
	return sum
}

// encodeCommand builds an OEM command frame. Addresses 0..15 map onto '1'..'@'.
// seq cycles 1..7 and repeat marks a retransmission of the same seq.
func encodeCommand(addr int, seq byte, repeat bool, cmd string) []byte {
	seqByte := byte('0') | seq&0x07
	if repeat {
		seqByte |= 0x08
	}
	frame := make([]byte, 0, len(cmd)+5)
	frame = append(frame, stx, byte('1'+addr), seqByte)
	frame = append(frame, cmd...)
	frame = append(frame, etx)
	return append(frame, checksum(frame))
}

// splitFrame finds the first complete STX..ETX+checksum frame in buf.
func splitFrame(buf []byte) ([]byte, bool) {
	start := -1
	for i, c := range buf {
		if c == stx {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, false
	}
	for i := start + 1; i < len(buf); i++ {
		if buf[i] == etx {
			if i+1 >= len(buf) {
				return nil, false
			}
			return buf[start : i+2], true
		}
	}
	return nil, false
}

func decodeReply(frame []byte) (Reply, error) {
	if len(frame) < 5 || frame[0] != stx || frame[len(frame)-2] != etx {
		return Reply{}, fmt.Errorf("malformed reply % x", frame)
	}
	if checksum(frame[:len(frame)-1]) != frame[len(frame)-1] {
		return Reply{}, errChecksum
	}
	if frame[1] != masterAddress {
		return Reply{}, fmt.Errorf("reply addressed to %q", frame[1])
	}
	return Reply{Status: frame[2], Data: string(frame[3 : len(frame)-2])}, nil
}
