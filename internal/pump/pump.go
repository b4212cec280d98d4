package pump

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Port is a valve position label: "1".."12" on distribution valves, or I/O/B/E on
// three-way valves.
type Port string

func (p Port) IsSet() bool {
	return p != ""
}

func (p Port) String() string {
	return string(p)
}

// Command is the valve command that selects p: I, O, B or E for three-way valves and
// I1..I12 for distribution valves. Any other label is an error.
func (p Port) Command() (string, error) {
	label := strings.ToUpper(string(p))
	switch label {
	case "I", "O", "B", "E":
		return label, nil
	}
	n, err := strconv.Atoi(label)
	if err != nil || n < 1 || n > 12 {
		return "", fmt.Errorf("invalid valve port %q", string(p))
	}
	return "I" + strconv.Itoa(n), nil
}

// UnmarshalJSON accepts both `"I"` and `2` so config files can use bare port numbers.
func (p *Port) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = Port(s)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("port must be a string or integer, got %s", string(data))
	}
	*p = Port(strconv.Itoa(n))
	return nil
}

// UnmarshalYAML takes the scalar text as is, so `2` and `"2"` decode alike.
func (p *Port) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: port must be a scalar", node.Line)
	}
	*p = Port(node.Value)
	return nil
}

// Valve is the command-chain contract shared by pumps and standalone valves.
type Valve interface {
	// ChangePort enqueues a switch to the given port.
	ChangePort(port Port) error
	// SubmitChain sends every enqueued command as one unit and returns an estimate of
	// how long the device will take to execute it.
	SubmitChain() (time.Duration, error)
	// WaitReady blocks until the device reports idle, then sleeps for grace.
	WaitReady(grace time.Duration) error
	// Discard drops every enqueued command without sending it.
	Discard()
}

// Driver is a syringe pump. Enqueueing calls only take effect on SubmitChain.
type Driver interface {
	Valve
	SetSpeed(code int) error
	Aspirate(port Port, volumeUl float64) error
	Dispense(port Port, volumeUl float64) error
	MovePlungerAbsolute(position int) error
	EnqueueDelay(d time.Duration) error
	ReadPlungerPosition() (int, error)
}

// ErrLink marks transport faults: the serial link failed or the device stopped
// answering. These are never retried by the caller.
var ErrLink = errors.New("pump link fault")

// DeviceError is an error code reported by the device itself in its status byte.
type DeviceError struct {
	Address int
	Code    int
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %d reported error %d (%s)", e.Address, e.Code, ErrorText(e.Code))
}

// ErrorText names the Cavro status-byte error codes.
func ErrorText(code int) string {
	switch code {
	case 0:
		return "no error"
	case 1:
		return "initialization error"
	case 2:
		return "invalid command"
	case 3:
		return "invalid operand"
	case 4:
		return "invalid command sequence"
	case 6:
		return "EEPROM failure"
	case 7:
		return "device not initialized"
	case 9:
		return "plunger overload"
	case 10:
		return "valve overload"
	case 11:
		return "plunger move not allowed"
	case 15:
		return "command overflow"
	default:
		return "unknown error"
	}
}
