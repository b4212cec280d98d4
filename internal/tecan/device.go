package tecan

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/replenisher/internal/clock"
	"github.com/thatsimonsguy/replenisher/internal/pump"
)

// DefaultPollInterval spaces the status queries of WaitReady.
const DefaultPollInterval = 200 * time.Millisecond

// maxDelay is the longest single M command the firmware accepts.
const maxDelay = 30 * time.Second

// device is the command-chain half shared by pumps and standalone valves.
type device struct {
	link  *Link
	addr  int
	clock clock.Clock
	name  string

	// ReadyTimeout bounds WaitReady; zero waits forever.
	ReadyTimeout time.Duration
	PollInterval time.Duration

	chain    []string
	estimate time.Duration
}

func newDevice(link *Link, addr int, name string, clk clock.Clock) device {
	if clk == nil {
		clk = clock.Real{}
	}
	return device{link: link, addr: addr, clock: clk, name: name, PollInterval: DefaultPollInterval}
}

func (d *device) enqueue(cmd string, cost time.Duration) {
	d.chain = append(d.chain, cmd)
	d.estimate += cost
}

// Pending is the chain that the next SubmitChain would send, without the run command.
func (d *device) Pending() string {
	return strings.Join(d.chain, "")
}

// Discard drops the queued chain. Every enqueue error discards too, so a chain is sent
// whole or not at all.
func (d *device) Discard() {
	d.chain, d.estimate = nil, 0
}

func (d *device) reject(err error) error {
	d.Discard()
	return err
}

func (d *device) ChangePort(port pump.Port) error {
	cmd, err := port.Command()
	if err != nil {
		return d.reject(err)
	}
	d.enqueue(cmd, 500*time.Millisecond)
	return nil
}

// SubmitChain sends the queued commands followed by R. The chain is cleared whether
// or not the device accepts it.
func (d *device) SubmitChain() (time.Duration, error) {
	cmd, estimate := d.Pending(), d.estimate
	d.Discard()
	if cmd == "" {
		return 0, nil
	}
	if _, err := d.link.Send(d.addr, cmd+"R"); err != nil {
		return 0, err
	}
	log.Debug().
		Str("device", d.name).
		Int("address", d.addr).
		Str("chain", cmd).
		Dur("estimate", estimate).
		Msg("Chain submitted")
	return estimate, nil
}

// WaitReady polls the status byte until the device is idle, then sleeps grace.
func (d *device) WaitReady(grace time.Duration) error {
	start := d.clock.Now()
	for {
		reply, err := d.link.Send(d.addr, "Q")
		if err != nil {
			return err
		}
		if reply.Ready() {
			break
		}
		if d.ReadyTimeout > 0 && d.clock.Now().Sub(start) >= d.ReadyTimeout {
			return fmt.Errorf("%w: %s at address %d still busy after %s",
				pump.ErrLink, d.name, d.addr, d.ReadyTimeout)
		}
		d.clock.Sleep(d.PollInterval)
	}
	d.clock.Sleep(grace)
	return nil
}

type PumpConfig struct {
	Address   int
	SyringeUl float64
	Steps     int
	// Speed is the starting speed code used for estimates until SetSpeed is called.
	Speed int
}

// Pump drives a Cavro XP3000/Centris style syringe pump.
type Pump struct {
	device

	syringeUl float64
	steps     int
	speed     int
}

func NewPump(link *Link, cfg PumpConfig, clk clock.Clock) (*Pump, error) {
	if cfg.SyringeUl <= 0 {
		return nil, fmt.Errorf("syringe volume must be positive, got %v", cfg.SyringeUl)
	}
	if cfg.Steps <= 0 {
		cfg.Steps = 3000
	}
	if _, err := SpeedRate(cfg.Speed); err != nil {
		return nil, err
	}
	return &Pump{
		device:    newDevice(link, cfg.Address, "pump", clk),
		syringeUl: cfg.SyringeUl,
		steps:     cfg.Steps,
		speed:     cfg.Speed,
	}, nil
}

func (p *Pump) toSteps(volumeUl float64) (int, error) {
	if volumeUl < 0 {
		return 0, fmt.Errorf("volume must be non-negative, got %v", volumeUl)
	}
	n := int(math.Round(volumeUl / p.syringeUl * float64(p.steps)))
	if n > p.steps {
		return 0, fmt.Errorf("%v uL exceeds the %v uL syringe", volumeUl, p.syringeUl)
	}
	return n, nil
}

func (p *Pump) moveCost(steps int) time.Duration {
	rate, _ := SpeedRate(p.speed)
	return time.Duration(float64(steps) / float64(rate) * float64(time.Second))
}

func (p *Pump) SetSpeed(code int) error {
	if _, err := SpeedRate(code); err != nil {
		return p.reject(err)
	}
	p.speed = code
	p.enqueue("S"+strconv.Itoa(code), 0)
	return nil
}

func (p *Pump) Aspirate(port pump.Port, volumeUl float64) error {
	return p.stroke("P", port, volumeUl)
}

func (p *Pump) Dispense(port pump.Port, volumeUl float64) error {
	return p.stroke("D", port, volumeUl)
}

func (p *Pump) stroke(op string, port pump.Port, volumeUl float64) error {
	n, err := p.toSteps(volumeUl)
	if err != nil {
		return p.reject(err)
	}
	if err := p.ChangePort(port); err != nil {
		return err
	}
	p.enqueue(op+strconv.Itoa(n), p.moveCost(n))
	return nil
}

// MovePlungerAbsolute drives the plunger to position. The estimate assumes the
// plunger travels the whole distance from zero.
func (p *Pump) MovePlungerAbsolute(position int) error {
	if position < 0 || position > p.steps {
		return p.reject(fmt.Errorf("plunger position %d outside 0..%d", position, p.steps))
	}
	p.enqueue("A"+strconv.Itoa(position), p.moveCost(position))
	return nil
}

// EnqueueDelay adds an in-chain pause. Long delays are split into several M commands.
func (p *Pump) EnqueueDelay(d time.Duration) error {
	for d > 0 {
		step := min(d, maxDelay)
		ms := step.Milliseconds()
		if ms < 5 {
			ms = 5
		}
		p.enqueue("M"+strconv.FormatInt(ms, 10), step)
		d -= step
	}
	return nil
}

func (p *Pump) ReadPlungerPosition() (int, error) {
	reply, err := p.link.Send(p.addr, "?")
	if err != nil {
		return 0, err
	}
	pos, err := strconv.Atoi(strings.TrimSpace(reply.Data))
	if err != nil {
		return 0, fmt.Errorf("%w: plunger position %q: %v", pump.ErrLink, reply.Data, err)
	}
	return pos, nil
}

// Initialize homes the plunger and valve. in and out select the distribution valve
// ports used during homing; leave them unset for three-way valves. force is 0 (full),
// 1 (half) or 2 (third).
func (p *Pump) Initialize(in, out pump.Port, force int) error {
	if force < 0 || force > 2 {
		return fmt.Errorf("init force must be 0, 1 or 2, got %d", force)
	}
	cmd := "Z" + strconv.Itoa(force)
	if in.IsSet() && out.IsSet() {
		cmd = fmt.Sprintf("Z%d,%s,%s", force, in, out)
	}
	log.Info().Int("address", p.addr).Str("command", cmd).Msg("Initializing pump")
	if _, err := p.link.Send(p.addr, cmd+"R"); err != nil {
		return err
	}
	return p.WaitReady(0)
}

// Valve drives a standalone Cavro smart valve.
type Valve struct {
	device
}

func NewValve(link *Link, addr int, name string, clk clock.Clock) *Valve {
	return &Valve{device: newDevice(link, addr, name, clk)}
}

// Initialize homes the valve.
func (v *Valve) Initialize() error {
	if _, err := v.link.Send(v.addr, "ZR"); err != nil {
		return err
	}
	return v.WaitReady(0)
}

// speedRates are the plunger rates in steps per second for speed codes 0..40.
var speedRates = [...]int{
	6000, 5600, 5000, 4400, 3800, 3200, 2600, 2200, 2000, 1800,
	1600, 1400, 1200, 1000, 800, 600, 400, 200, 190, 180,
	170, 160, 150, 140, 130, 120, 110, 100, 90, 80,
	70, 60, 50, 40, 30, 20, 18, 16, 14, 12,
	10,
}

// SpeedRate returns the plunger rate of a speed code in steps per second.
func SpeedRate(code int) (int, error) {
	if code < 0 || code >= len(speedRates) {
		return 0, fmt.Errorf("speed code %d outside 0..%d", code, len(speedRates)-1)
	}
	return speedRates[code], nil
}

var (
	_ pump.Driver = (*Pump)(nil)
	_ pump.Valve  = (*Valve)(nil)
)
