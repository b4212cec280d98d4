package datadog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/thatsimonsguy/replenisher/internal/config"
	"github.com/thatsimonsguy/replenisher/internal/env"
	"github.com/thatsimonsguy/replenisher/internal/model"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Gauge(name string, value float64, tags []string, rate float64) error {
	return m.Called(name, value, tags, rate).Error(0)
}

func (m *mockClient) Count(name string, value int64, tags []string, rate float64) error {
	return m.Called(name, value, tags, rate).Error(0)
}

func withClient(t *testing.T, c Client) {
	t.Helper()
	orig := dogstatsd
	dogstatsd = c
	t.Cleanup(func() { dogstatsd = orig })
}

func TestReporter_CycleCompleted(t *testing.T) {
	m := &mockClient{}
	withClient(t, m)
	tags := []string{"channel:well-1"}
	m.On("Gauge", "channel.cycles", 3.0, tags, 1.0).Return(nil).Once()
	m.On("Gauge", "channel.in_ul", 450.0, tags, 1.0).Return(nil).Once()
	m.On("Gauge", "channel.out_ul", 300.0, tags, 1.0).Return(nil).Once()
	m.On("Gauge", "channel.syringe_ul", 550.0, tags, 1.0).Return(errors.New("agent down")).Once()

	Reporter{}.CycleCompleted(model.Snapshot{
		Name:            "well-1",
		CycleCount:      3,
		CumulativeInUl:  450,
		CumulativeOutUl: 300,
		SyringeUl:       550,
	})
	m.AssertExpectations(t)
}

func TestReporter_CycleFailed(t *testing.T) {
	m := &mockClient{}
	withClient(t, m)
	m.On("Count", "channel.faults", int64(1), []string{"channel:well-2", "kind:transport"}, 1.0).Return(nil).Once()

	Reporter{}.CycleFailed(model.Fault{Channel: "well-2", Kind: model.FaultTransport})
	m.AssertExpectations(t)
}

func TestReporter_StatusEmitsEveryChannel(t *testing.T) {
	m := &mockClient{}
	withClient(t, m)
	m.On("Gauge", mock.Anything, mock.Anything, mock.Anything, 1.0).Return(nil)

	Reporter{}.Status([]model.Snapshot{{Name: "a"}, {Name: "b"}})
	m.AssertNumberOfCalls(t, "Gauge", 8)
}

func TestUninitializedIsNoop(t *testing.T) {
	withClient(t, nil)
	assert.NotPanics(t, func() {
		Gauge("x", 1)
		Count("y", 1)
		Reporter{}.Finished(model.ExperimentStatus{}, nil)
	})
}

func TestInitMetrics(t *testing.T) {
	withClient(t, nil)
	orig := env.Cfg
	env.Cfg = &config.Config{DDAgentAddr: "127.0.0.1:8125", DDNamespace: "replenisher.", DDTags: []string{"rig:test"}}
	t.Cleanup(func() { env.Cfg = orig })

	InitMetrics()
	assert.NotNil(t, dogstatsd)
	Gauge("channel.cycles", 1, "channel:a")
}
