package datadog

import (
	"github.com/DataDog/datadog-go/statsd"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/replenisher/internal/env"
	"github.com/thatsimonsguy/replenisher/internal/model"
)

// Client is the subset of statsd used here.
type Client interface {
	Gauge(name string, value float64, tags []string, rate float64) error
	Count(name string, value int64, tags []string, rate float64) error
}

var dogstatsd Client

func InitMetrics() {
	client, err := statsd.New(env.Cfg.DDAgentAddr)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create DogStatsD client")
		return
	}

	client.Namespace = env.Cfg.DDNamespace
	client.Tags = env.Cfg.DDTags
	dogstatsd = client

	log.Info().
		Str("addr", env.Cfg.DDAgentAddr).
		Str("namespace", env.Cfg.DDNamespace).
		Strs("tags", env.Cfg.DDTags).
		Msg("Datadog metrics initialized")
}

func Gauge(name string, value float64, tags ...string) {
	if dogstatsd != nil {
		if err := dogstatsd.Gauge(name, value, tags, 1); err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to emit gauge metric")
		}
	}
}

func Count(name string, value int64, tags ...string) {
	if dogstatsd != nil {
		if err := dogstatsd.Count(name, value, tags, 1); err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to emit count metric")
		}
	}
}

// Reporter publishes channel accounting as gauges and faults as a counter.
type Reporter struct{}

func (Reporter) CycleCompleted(snap model.Snapshot) {
	emitSnapshot(snap)
}

func (Reporter) CycleFailed(fault model.Fault) {
	Count("channel.faults", 1, "channel:"+fault.Channel, "kind:"+string(fault.Kind))
}

func (Reporter) Status(snaps []model.Snapshot) {
	for _, s := range snaps {
		emitSnapshot(s)
	}
}

func (Reporter) Finished(status model.ExperimentStatus, _ error) {
	Gauge("experiment.elapsed_s", status.Elapsed.Seconds(), "outcome:"+string(status.Outcome))
}

func emitSnapshot(s model.Snapshot) {
	tag := "channel:" + s.Name
	Gauge("channel.cycles", float64(s.CycleCount), tag)
	Gauge("channel.in_ul", s.CumulativeInUl, tag)
	Gauge("channel.out_ul", s.CumulativeOutUl, tag)
	Gauge("channel.syringe_ul", s.SyringeUl, tag)
}
