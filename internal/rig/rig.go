// Package rig turns a config into live hardware: one serial link, the syringe pump,
// the standalone valves and the channels that share them.
package rig

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/replenisher/internal/channel"
	"github.com/thatsimonsguy/replenisher/internal/clock"
	"github.com/thatsimonsguy/replenisher/internal/config"
	"github.com/thatsimonsguy/replenisher/internal/pump"
	"github.com/thatsimonsguy/replenisher/internal/tecan"
)

type Rig struct {
	Link     *tecan.Link
	Pump     *tecan.Pump
	Valves   map[string]*tecan.Valve
	Channels []*channel.Channel
}

// Open opens the serial port named in cfg and builds the rig on it.
func Open(cfg *config.Config, clk clock.Clock, start time.Time) (*Rig, error) {
	link, err := tecan.OpenLink(cfg.Serial.Port, cfg.Serial.Baud, cfg.Serial.ReadTimeout())
	if err != nil {
		return nil, err
	}
	r, err := Build(cfg, link, clk, start)
	if err != nil {
		link.Close()
		return nil, err
	}
	return r, nil
}

// Build wires the devices and channels onto an open link.
func Build(cfg *config.Config, link *tecan.Link, clk clock.Clock, start time.Time) (*Rig, error) {
	p, err := tecan.NewPump(link, tecan.PumpConfig{
		Address:   cfg.Pump.Address,
		SyringeUl: cfg.Pump.SyringeUl,
		Steps:     cfg.Pump.Steps,
		Speed:     cfg.Pump.DefaultSpeed,
	}, clk)
	if err != nil {
		return nil, fmt.Errorf("pump: %w", err)
	}
	p.ReadyTimeout = cfg.Serial.ReadyTimeout()

	r := &Rig{Link: link, Pump: p, Valves: map[string]*tecan.Valve{}}
	valves := map[string]pump.Valve{}
	for _, vc := range cfg.Valves {
		v := tecan.NewValve(link, vc.Address, vc.Name, clk)
		v.ReadyTimeout = cfg.Serial.ReadyTimeout()
		r.Valves[vc.Name] = v
		valves[vc.Name] = v
	}

	configs, err := ChannelConfigs(cfg, start, valves)
	if err != nil {
		return nil, err
	}
	for _, cc := range configs {
		ch, err := channel.New(cc, p, clk)
		if err != nil {
			return nil, err
		}
		r.Channels = append(r.Channels, ch)
	}
	return r, nil
}

// ChannelConfigs translates the config's channel list. Valve references resolve
// against valves.
func ChannelConfigs(cfg *config.Config, start time.Time, valves map[string]pump.Valve) ([]channel.Config, error) {
	var (
		out  []channel.Config
		errs []error
	)
	for _, c := range cfg.Channels {
		cc := channel.Config{
			Name:         c.Name,
			SourcePort:   c.SourcePort,
			InPort:       c.InPort,
			OutPort:      c.OutPort,
			ExhaustPort:  c.ExhaustPort,
			InVolumeUl:   c.InVolumeUl,
			OutVolumeUl:  c.OutVolumeUl,
			Period:       c.Period(),
			Speed:        c.Speed,
			Start:        start,
			DispensePort: c.DispensePort,
			AspiratePort: c.AspiratePort,
			Syringe: channel.Syringe{
				FullScaleUl: cfg.Pump.SyringeUl,
				Steps:       cfg.Pump.Steps,
			},
			Fill: channel.FillPolicy{
				Speed:     cfg.Syringe.FillSpeed,
				Margin:    cfg.Syringe.FillMargin,
				Tolerance: cfg.Syringe.Tolerance(),
			},
			Settle: cfg.Syringe.Settle(),
		}
		if c.DispenseValve != "" {
			v, ok := valves[c.DispenseValve]
			if !ok {
				errs = append(errs, fmt.Errorf("channel %q: unknown dispense valve %q", c.Name, c.DispenseValve))
			}
			cc.DispenseValve = v
		}
		if c.AspirateValve != "" {
			v, ok := valves[c.AspirateValve]
			if !ok {
				errs = append(errs, fmt.Errorf("channel %q: unknown aspirate valve %q", c.Name, c.AspirateValve))
			}
			cc.AspirateValve = v
		}
		out = append(out, cc)
	}
	return out, errors.Join(errs...)
}

// Initialize homes the pump and every valve, in config order.
func (r *Rig) Initialize(cfg *config.Config) error {
	if err := r.Pump.Initialize(cfg.Pump.InitPort, cfg.Pump.InitOutPort, cfg.Pump.InitForce); err != nil {
		return fmt.Errorf("initialize pump: %w", err)
	}
	for _, vc := range cfg.Valves {
		if err := r.Valves[vc.Name].Initialize(); err != nil {
			return fmt.Errorf("initialize valve %q: %w", vc.Name, err)
		}
	}
	log.Info().Int("valves", len(cfg.Valves)).Msg("Rig initialized")
	return nil
}

func (r *Rig) Channel(name string) (*channel.Channel, error) {
	for _, ch := range r.Channels {
		if ch.Name() == name {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("no channel named %q", name)
}

func (r *Rig) Close() error {
	return r.Link.Close()
}
