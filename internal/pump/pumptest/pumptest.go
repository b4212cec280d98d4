// Package pumptest simulates a syringe pump and valves in memory. Every call is
// recorded in a shared Log so tests can assert cross-device ordering.
package pumptest

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/thatsimonsguy/replenisher/internal/pump"
)

type Log struct {
	mu    sync.Mutex
	calls []string
}

func (l *Log) add(device, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, device+" "+fmt.Sprintf(format, args...))
}

func (l *Log) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	copy(out, l.calls)
	return out
}

func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}

// Count returns how many recorded calls equal call exactly.
func (l *Log) Count(call string) int {
	n := 0
	for _, c := range l.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

type faults struct {
	mu    sync.Mutex
	queue map[string][]error
}

// Fail makes the next call of op return err. Queued errors are consumed in order.
func (f *faults) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queue == nil {
		f.queue = map[string][]error{}
	}
	f.queue[op] = append(f.queue[op], err)
}

func (f *faults) take(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queue[op]
	if len(q) == 0 {
		return nil
	}
	f.queue[op] = q[1:]
	return q[0]
}

// Pump is a simulated Cavro-style syringe pump. Plunger moves are applied when the
// chain is submitted.
type Pump struct {
	faults

	Name      string
	SyringeUl float64
	Steps     int
	// FillShortfall is subtracted from every absolute move, simulating an air lock or
	// an empty reservoir.
	FillShortfall int
	// OnWait, when set, runs on every WaitReady with its grace period. Tests use it
	// to advance a fake clock.
	OnWait func(grace time.Duration)

	log      *Log
	position int
	port     pump.Port
	speed    int
	pending  []func() error
}

func NewPump(log *Log, syringeUl float64, steps int) *Pump {
	return &Pump{Name: "pump", SyringeUl: syringeUl, Steps: steps, log: log}
}

func (p *Pump) SetPosition(pos int) {
	p.position = pos
}

func (p *Pump) Position() int {
	return p.position
}

func (p *Pump) Port() pump.Port {
	return p.port
}

func (p *Pump) Speed() int {
	return p.speed
}

func (p *Pump) steps(volumeUl float64) int {
	return int(math.Round(volumeUl / p.SyringeUl * float64(p.Steps)))
}

func (p *Pump) SetSpeed(code int) error {
	p.log.add(p.Name, "SetSpeed %d", code)
	if err := p.take("SetSpeed"); err != nil {
		return err
	}
	p.pending = append(p.pending, func() error {
		p.speed = code
		return nil
	})
	return nil
}

func (p *Pump) ChangePort(port pump.Port) error {
	p.log.add(p.Name, "ChangePort %s", port)
	if err := p.take("ChangePort"); err != nil {
		return err
	}
	p.pending = append(p.pending, func() error {
		p.port = port
		return nil
	})
	return nil
}

func (p *Pump) Aspirate(port pump.Port, volumeUl float64) error {
	p.log.add(p.Name, "Aspirate %s %g", port, volumeUl)
	if err := p.take("Aspirate"); err != nil {
		return err
	}
	steps := p.steps(volumeUl)
	p.pending = append(p.pending, func() error {
		p.port = port
		if p.position+steps > p.Steps {
			return &pump.DeviceError{Code: 3}
		}
		p.position += steps
		return nil
	})
	return nil
}

func (p *Pump) Dispense(port pump.Port, volumeUl float64) error {
	p.log.add(p.Name, "Dispense %s %g", port, volumeUl)
	if err := p.take("Dispense"); err != nil {
		return err
	}
	steps := p.steps(volumeUl)
	p.pending = append(p.pending, func() error {
		p.port = port
		if p.position-steps < 0 {
			return &pump.DeviceError{Code: 3}
		}
		p.position -= steps
		return nil
	})
	return nil
}

func (p *Pump) MovePlungerAbsolute(position int) error {
	p.log.add(p.Name, "MovePlungerAbsolute %d", position)
	if err := p.take("MovePlungerAbsolute"); err != nil {
		return err
	}
	p.pending = append(p.pending, func() error {
		target := position - p.FillShortfall
		if target < 0 {
			target = 0
		}
		p.position = target
		return nil
	})
	return nil
}

func (p *Pump) EnqueueDelay(d time.Duration) error {
	p.log.add(p.Name, "EnqueueDelay %s", d)
	return p.take("EnqueueDelay")
}

func (p *Pump) SubmitChain() (time.Duration, error) {
	p.log.add(p.Name, "SubmitChain")
	pending := p.pending
	p.pending = nil
	if err := p.take("SubmitChain"); err != nil {
		return 0, err
	}
	for _, op := range pending {
		if err := op(); err != nil {
			return 0, err
		}
	}
	return time.Duration(len(pending)) * time.Second, nil
}

func (p *Pump) Discard() {
	p.log.add(p.Name, "Discard")
	p.pending = nil
}

func (p *Pump) WaitReady(grace time.Duration) error {
	p.log.add(p.Name, "WaitReady %s", grace)
	if err := p.take("WaitReady"); err != nil {
		return err
	}
	if p.OnWait != nil {
		p.OnWait(grace)
	}
	return nil
}

func (p *Pump) ReadPlungerPosition() (int, error) {
	p.log.add(p.Name, "ReadPlungerPosition")
	if err := p.take("ReadPlungerPosition"); err != nil {
		return 0, err
	}
	return p.position, nil
}

// Valve is a simulated standalone distribution valve.
type Valve struct {
	faults

	Name    string
	log     *Log
	port    pump.Port
	pending pump.Port
}

func NewValve(log *Log, name string) *Valve {
	return &Valve{Name: name, log: log}
}

func (v *Valve) Port() pump.Port {
	return v.port
}

func (v *Valve) ChangePort(port pump.Port) error {
	v.log.add(v.Name, "ChangePort %s", port)
	if err := v.take("ChangePort"); err != nil {
		return err
	}
	v.pending = port
	return nil
}

func (v *Valve) SubmitChain() (time.Duration, error) {
	v.log.add(v.Name, "SubmitChain")
	if err := v.take("SubmitChain"); err != nil {
		return 0, err
	}
	if v.pending.IsSet() {
		v.port = v.pending
		v.pending = ""
	}
	return 500 * time.Millisecond, nil
}

func (v *Valve) Discard() {
	v.log.add(v.Name, "Discard")
	v.pending = ""
}

func (v *Valve) WaitReady(grace time.Duration) error {
	v.log.add(v.Name, "WaitReady %s", grace)
	return v.take("WaitReady")
}

var (
	_ pump.Driver = (*Pump)(nil)
	_ pump.Valve  = (*Valve)(nil)
)
