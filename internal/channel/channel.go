package channel

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/replenisher/internal/clock"
	"github.com/thatsimonsguy/replenisher/internal/model"
	"github.com/thatsimonsguy/replenisher/internal/pump"
)

const (
	DefaultSteps     = 3000
	DefaultFillSpeed = 14
)

// Grace periods slept after each wait-ready, by kind of move.
const (
	ValveGrace = 500 * time.Millisecond
	MoveGrace  = 2 * time.Second
	FillGrace  = 3 * time.Second
)

// Step names carried by StepError.
const (
	StepCheckSyringe   = "check_syringe"
	StepFillSyringe    = "fill_syringe"
	StepSetSpeed       = "set_speed"
	StepMakeRoom       = "make_room"
	StepAspirateValve  = "aspirate_valve"
	StepAspirate       = "aspirate"
	StepPurge          = "purge"
	StepDispenseValve  = "dispense_valve"
	StepDispense       = "dispense"
	StepRecheckSyringe = "recheck_syringe"
	StepWash           = "wash"
)

type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseCheckingSyringe Phase = "checking_syringe"
	PhaseFillingSyringe  Phase = "filling_syringe"
	PhaseAspirating      Phase = "aspirating"
	PhaseDispensing      Phase = "dispensing"
	PhaseWashing         Phase = "washing"
)

// Syringe maps plunger steps linearly onto volume.
type Syringe struct {
	FullScaleUl float64
	Steps       int
}

func (s Syringe) VolumeAt(position int) float64 {
	return float64(position) * s.FullScaleUl / float64(s.Steps)
}

// StepsFor is the plunger travel that moves volumeUl, rounded to whole steps.
func (s Syringe) StepsFor(volumeUl float64) int {
	return int(math.Round(volumeUl / s.FullScaleUl * float64(s.Steps)))
}

type FillPolicy struct {
	Speed int
	// Margin scales the in-volume a cycle requires in the syringe before it starts.
	Margin float64
	// Tolerance is the fraction of full scale a completed fill may fall short by.
	Tolerance float64
}

type Config struct {
	Name string

	SourcePort  pump.Port
	InPort      pump.Port
	OutPort     pump.Port
	ExhaustPort pump.Port

	InVolumeUl  float64
	OutVolumeUl float64
	Period      time.Duration
	Speed       int
	Start       time.Time

	DispenseValve pump.Valve
	DispensePort  pump.Port
	AspirateValve pump.Valve
	AspiratePort  pump.Port

	Syringe Syringe
	Fill    FillPolicy
	Settle  time.Duration
}

// Channel owns one fluidic line: its schedule, its volume accounting and the cached
// syringe fill. Mutable state only changes through RunCycle, CheckSyringe,
// FillSyringe and WashStroke.
type Channel struct {
	cfg   Config
	pump  pump.Driver
	clock clock.Clock

	phase           Phase
	cycleCount      int
	cumulativeInUl  float64
	cumulativeOutUl float64
	syringeUl       float64
	position        int
	washedUl        float64
}

func New(cfg Config, driver pump.Driver, clk clock.Clock) (*Channel, error) {
	if driver == nil {
		return nil, fmt.Errorf("channel %q: no pump driver", cfg.Name)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.Syringe.Steps == 0 {
		cfg.Syringe.Steps = DefaultSteps
	}
	if cfg.Fill.Speed == 0 {
		cfg.Fill.Speed = DefaultFillSpeed
	}
	if cfg.Fill.Margin == 0 {
		cfg.Fill.Margin = 1
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("channel %q: %w", cfg.Name, err)
	}
	return &Channel{cfg: cfg, pump: driver, clock: clk, phase: PhaseIdle}, nil
}

func (cfg Config) validate() error {
	var errs []error
	if !cfg.SourcePort.IsSet() {
		errs = append(errs, errors.New("source port is required"))
	}
	if !cfg.InPort.IsSet() {
		errs = append(errs, errors.New("in port is required"))
	}
	if cfg.Period <= 0 {
		errs = append(errs, errors.New("period must be positive"))
	}
	if cfg.InVolumeUl < 0 || cfg.OutVolumeUl < 0 {
		errs = append(errs, errors.New("volumes must be non-negative"))
	}
	if cfg.OutVolumeUl > 0 && !cfg.OutPort.IsSet() {
		errs = append(errs, errors.New("out volume requires an out port"))
	}
	if cfg.OutPort.IsSet() && !cfg.ExhaustPort.IsSet() {
		errs = append(errs, errors.New("out port requires an exhaust port"))
	}
	if cfg.Syringe.FullScaleUl <= 0 || cfg.Syringe.Steps <= 0 {
		errs = append(errs, errors.New("syringe full scale and steps must be positive"))
	}
	if cfg.Fill.Margin < 0 || cfg.Fill.Tolerance < 0 || cfg.Fill.Tolerance >= 1 {
		errs = append(errs, errors.New("fill margin must be non-negative and tolerance in [0, 1)"))
	}
	if cfg.DispenseValve != nil && !cfg.DispensePort.IsSet() {
		errs = append(errs, errors.New("dispense valve requires a dispense port"))
	}
	if cfg.AspirateValve != nil && !cfg.AspiratePort.IsSet() {
		errs = append(errs, errors.New("aspirate valve requires an aspirate port"))
	}
	for _, port := range []pump.Port{cfg.SourcePort, cfg.InPort, cfg.OutPort, cfg.ExhaustPort, cfg.DispensePort, cfg.AspiratePort} {
		if !port.IsSet() {
			continue
		}
		if _, err := port.Command(); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.OutVolumeUl > 0 && cfg.InVolumeUl*cfg.Fill.Margin+cfg.OutVolumeUl > cfg.Syringe.FullScaleUl {
		errs = append(errs, errors.New("in volume with margin plus out volume exceeds the syringe"))
	}
	return errors.Join(errs...)
}

func (c *Channel) Name() string             { return c.cfg.Name }
func (c *Channel) Period() time.Duration    { return c.cfg.Period }
func (c *Channel) Start() time.Time         { return c.cfg.Start }
func (c *Channel) CycleCount() int          { return c.cycleCount }
func (c *Channel) CumulativeInUl() float64  { return c.cumulativeInUl }
func (c *Channel) CumulativeOutUl() float64 { return c.cumulativeOutUl }
func (c *Channel) SyringeUl() float64       { return c.syringeUl }
func (c *Channel) WashedUl() float64        { return c.washedUl }
func (c *Channel) Phase() Phase             { return c.phase }

// Purges reports whether the channel runs the dual-direction sub-sequence: draw the
// spent volume from the out port and push it to the exhaust before fresh reagent.
func (c *Channel) Purges() bool {
	return c.cfg.OutPort.IsSet() && c.cfg.OutVolumeUl > 0
}

// neutralPort is where the pump parks after dispensing.
func (c *Channel) neutralPort() pump.Port {
	if c.cfg.ExhaustPort.IsSet() {
		return c.cfg.ExhaustPort
	}
	return c.cfg.SourcePort
}

// periodsElapsed is floor((now-start)/period), or -1 before the start.
func (c *Channel) periodsElapsed(now time.Time) int {
	elapsed := now.Sub(c.cfg.Start)
	if elapsed < 0 {
		return -1
	}
	return int(elapsed / c.cfg.Period)
}

// IsDue reports whether more period boundaries have passed than cycles completed.
func (c *Channel) IsDue(now time.Time) bool {
	return c.periodsElapsed(now) > c.cycleCount
}

// Backlog is how many due cycles are outstanding at now. One RunCycle serves one of
// them; the rest are never caught up.
func (c *Channel) Backlog(now time.Time) int {
	n := c.periodsElapsed(now) - c.cycleCount
	if n < 0 {
		return 0
	}
	return n
}

// RequiredUl is what the syringe must hold before a cycle delivering inVolumeUl.
func (c *Channel) RequiredUl(inVolumeUl float64) float64 {
	return inVolumeUl * c.cfg.Fill.Margin
}

// CheckSyringe settles, reads the plunger and refreshes the cached syringe volume.
func (c *Channel) CheckSyringe() (float64, error) {
	defer c.setPhase(PhaseIdle)
	return c.checkSyringe(StepCheckSyringe)
}

func (c *Channel) checkSyringe(step string) (float64, error) {
	c.setPhase(PhaseCheckingSyringe)
	c.clock.Sleep(c.cfg.Settle)
	pos, err := c.pump.ReadPlungerPosition()
	if err != nil {
		return c.syringeUl, c.stepErr(step, err)
	}
	c.position = pos
	c.syringeUl = c.cfg.Syringe.VolumeAt(pos)
	return c.syringeUl, nil
}

// FillSyringe draws from the source port up to the fill target of the configured plan:
// full scale, less the room a purge needs for the spent volume.
func (c *Channel) FillSyringe() error {
	defer c.setPhase(PhaseIdle)
	plan := c.DefaultPlan()
	return c.fill(plan.SourcePort, c.fillTarget(plan))
}

// fillTarget is the plunger position a fill for p stops at.
func (c *Channel) fillTarget(p Plan) int {
	return c.cfg.Syringe.Steps - c.cfg.Syringe.StepsFor(p.OutVolumeUl)
}

func (c *Channel) fill(source pump.Port, target int) error {
	c.setPhase(PhaseFillingSyringe)
	log.Info().
		Str("channel", c.cfg.Name).
		Str("source_port", source.String()).
		Float64("syringe_ul", c.syringeUl).
		Msg("Filling syringe")

	err := c.chain(StepFillSyringe, c.pump,
		func() error { return c.pump.SetSpeed(c.cfg.Fill.Speed) },
		func() error { return c.pump.ChangePort(source) },
		func() error { return c.pump.EnqueueDelay(c.cfg.Settle) },
		func() error { return c.pump.MovePlungerAbsolute(target) },
		func() error { return c.pump.EnqueueDelay(c.cfg.Settle) },
		submit(c.pump, FillGrace),
	)
	if err != nil {
		return err
	}

	have, err := c.checkSyringe(StepFillSyringe)
	if err != nil {
		return err
	}
	floor := c.cfg.Syringe.VolumeAt(target) - c.cfg.Syringe.FullScaleUl*c.cfg.Fill.Tolerance
	if have < floor {
		return &InsufficientFillError{Channel: c.cfg.Name, HaveUl: have, NeedUl: floor}
	}
	return nil
}

// makeRoom pushes the syringe down to target through the exhaust so a purge has
// space for the spent volume.
func (c *Channel) makeRoom(target int) error {
	c.setPhase(PhaseAspirating)
	log.Info().
		Str("channel", c.cfg.Name).
		Str("exhaust_port", c.cfg.ExhaustPort.String()).
		Float64("syringe_ul", c.syringeUl).
		Float64("surplus_ul", c.syringeUl-c.cfg.Syringe.VolumeAt(target)).
		Msg("Pushing surplus to exhaust before purge")

	err := c.chain(StepMakeRoom, c.pump,
		func() error { return c.pump.SetSpeed(c.cfg.Fill.Speed) },
		func() error { return c.pump.ChangePort(c.cfg.ExhaustPort) },
		func() error { return c.pump.MovePlungerAbsolute(target) },
		submit(c.pump, MoveGrace),
	)
	if err != nil {
		return err
	}
	if _, err := c.checkSyringe(StepMakeRoom); err != nil {
		return err
	}
	if c.position > target {
		return c.stepErr(StepMakeRoom, fmt.Errorf("plunger at %d after emptying to %d", c.position, target))
	}
	return nil
}

// Plan is one cycle's volumes and ports.
type Plan struct {
	SourcePort  pump.Port
	InPort      pump.Port
	InVolumeUl  float64
	OutPort     pump.Port
	OutVolumeUl float64
}

func (c *Channel) DefaultPlan() Plan {
	p := Plan{
		SourcePort: c.cfg.SourcePort,
		InPort:     c.cfg.InPort,
		InVolumeUl: c.cfg.InVolumeUl,
	}
	if c.Purges() {
		p.OutPort = c.cfg.OutPort
		p.OutVolumeUl = c.cfg.OutVolumeUl
	}
	return p
}

func (c *Channel) validatePlan(p Plan) error {
	switch {
	case !p.SourcePort.IsSet() || !p.InPort.IsSet():
		return errors.New("plan needs source and in ports")
	case p.InVolumeUl < 0 || p.OutVolumeUl < 0:
		return errors.New("plan volumes must be non-negative")
	case p.OutVolumeUl > 0 && (!p.OutPort.IsSet() || !c.cfg.ExhaustPort.IsSet()):
		return errors.New("plan out volume needs an out port and an exhaust port")
	case c.RequiredUl(p.InVolumeUl)+p.OutVolumeUl > c.cfg.Syringe.FullScaleUl:
		return errors.New("plan needs more than the syringe holds")
	}
	for _, port := range []pump.Port{p.SourcePort, p.InPort, p.OutPort} {
		if !port.IsSet() {
			continue
		}
		if _, err := port.Command(); err != nil {
			return err
		}
	}
	return nil
}

// RunCycle runs one replenishment cycle with the configured plan.
func (c *Channel) RunCycle() error {
	return c.RunCycleWith(c.DefaultPlan())
}

// RunCycleWith runs one cycle with p. Accounting moves only after every physical
// step succeeded; a failure before that leaves the counters untouched.
func (c *Channel) RunCycleWith(p Plan) error {
	if err := c.validatePlan(p); err != nil {
		return fmt.Errorf("channel %q: %w", c.cfg.Name, err)
	}
	defer c.setPhase(PhaseIdle)

	if _, err := c.checkSyringe(StepCheckSyringe); err != nil {
		return err
	}
	purge := p.OutVolumeUl > 0
	target := c.fillTarget(p)
	if purge && c.position > target {
		if err := c.makeRoom(target); err != nil {
			return err
		}
	}
	need := c.RequiredUl(p.InVolumeUl)
	if c.syringeUl < need {
		if err := c.fill(p.SourcePort, target); err != nil {
			return err
		}
		if c.syringeUl < need {
			return &InsufficientFillError{Channel: c.cfg.Name, HaveUl: c.syringeUl, NeedUl: need}
		}
	}

	if err := c.chain(StepSetSpeed, c.pump, func() error { return c.pump.SetSpeed(c.cfg.Speed) }); err != nil {
		return err
	}

	c.setPhase(PhaseAspirating)
	if c.cfg.AspirateValve != nil {
		err := c.chain(StepAspirateValve, c.cfg.AspirateValve,
			func() error { return c.cfg.AspirateValve.ChangePort(c.cfg.AspiratePort) },
			submit(c.cfg.AspirateValve, ValveGrace),
		)
		if err != nil {
			return err
		}
	}

	if purge {
		err := c.chain(StepAspirate, c.pump,
			func() error { return c.pump.Aspirate(p.OutPort, p.OutVolumeUl) },
			submit(c.pump, MoveGrace),
		)
		if err != nil {
			return err
		}
		err = c.chain(StepPurge, c.pump,
			func() error { return c.pump.Dispense(c.cfg.ExhaustPort, p.OutVolumeUl) },
			submit(c.pump, MoveGrace),
		)
		if err != nil {
			return err
		}
	}

	c.setPhase(PhaseDispensing)
	if c.cfg.DispenseValve != nil {
		err := c.chain(StepDispenseValve, c.cfg.DispenseValve,
			func() error { return c.cfg.DispenseValve.ChangePort(c.cfg.DispensePort) },
			submit(c.cfg.DispenseValve, ValveGrace),
		)
		if err != nil {
			return err
		}
	}

	err := c.chain(StepDispense, c.pump,
		func() error { return c.pump.Dispense(p.InPort, p.InVolumeUl) },
		func() error { return c.pump.EnqueueDelay(c.cfg.Settle) },
		func() error { return c.pump.ChangePort(c.neutralPort()) },
		submit(c.pump, MoveGrace),
	)
	if err != nil {
		return err
	}

	c.cycleCount++
	c.cumulativeInUl += p.InVolumeUl
	if purge {
		c.cumulativeOutUl += p.OutVolumeUl
	}

	log.Debug().
		Str("channel", c.cfg.Name).
		Int("cycle", c.cycleCount).
		Float64("in_ul", p.InVolumeUl).
		Float64("out_ul", p.OutVolumeUl).
		Msg("Cycle delivered")

	_, err = c.checkSyringe(StepRecheckSyringe)
	return err
}

// WashStroke empties the syringe to the neutral port, then pushes volumeUl from the
// source through the in port, and when the channel purges, from the out port to the
// exhaust. Cycle accounting is not touched.
func (c *Channel) WashStroke(volumeUl float64) error {
	if volumeUl < 0 || volumeUl > c.cfg.Syringe.FullScaleUl {
		return fmt.Errorf("channel %q: wash volume must be within 0..%g uL", c.cfg.Name, c.cfg.Syringe.FullScaleUl)
	}
	defer c.setPhase(PhaseIdle)
	c.setPhase(PhaseWashing)

	ops := []func() error{
		func() error { return c.pump.SetSpeed(c.cfg.Speed) },
		func() error { return c.pump.ChangePort(c.neutralPort()) },
		func() error { return c.pump.MovePlungerAbsolute(0) },
		func() error { return c.pump.Aspirate(c.cfg.SourcePort, volumeUl) },
		func() error { return c.pump.Dispense(c.cfg.InPort, volumeUl) },
	}
	if c.cfg.OutPort.IsSet() {
		ops = append(ops,
			func() error { return c.pump.Aspirate(c.cfg.OutPort, volumeUl) },
			func() error { return c.pump.Dispense(c.cfg.ExhaustPort, volumeUl) },
		)
	}
	ops = append(ops,
		func() error { return c.pump.ChangePort(c.neutralPort()) },
		submit(c.pump, MoveGrace),
	)
	if err := c.chain(StepWash, c.pump, ops...); err != nil {
		return err
	}
	c.washedUl += volumeUl
	c.syringeUl, c.position = 0, 0
	return nil
}

// Snapshot copies the accounting for display.
func (c *Channel) Snapshot(now time.Time) model.Snapshot {
	return model.Snapshot{
		Time:            now,
		Name:            c.cfg.Name,
		CycleCount:      c.cycleCount,
		CumulativeInUl:  c.cumulativeInUl,
		CumulativeOutUl: c.cumulativeOutUl,
		SyringeUl:       c.syringeUl,
		Phase:           string(c.phase),
	}
}

func (c *Channel) StatusReport() model.Snapshot {
	return c.Snapshot(c.clock.Now())
}

func (c *Channel) setPhase(p Phase) {
	c.phase = p
}

func (c *Channel) stepErr(step string, err error) error {
	return &StepError{Channel: c.cfg.Name, Step: step, Err: err}
}

// chain runs ops in order and stops at the first failure. Whatever dev still has
// queued after a failure is discarded so it cannot ride along with a later chain.
func (c *Channel) chain(step string, dev pump.Valve, ops ...func() error) error {
	for _, op := range ops {
		if err := op(); err != nil {
			dev.Discard()
			return c.stepErr(step, err)
		}
	}
	return nil
}

func submit(v pump.Valve, grace time.Duration) func() error {
	return func() error {
		if _, err := v.SubmitChain(); err != nil {
			return err
		}
		return v.WaitReady(grace)
	}
}
