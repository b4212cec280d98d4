package notifications

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/replenisher/internal/config"
	"github.com/thatsimonsguy/replenisher/internal/env"
	"github.com/thatsimonsguy/replenisher/internal/model"
)

type received struct {
	Topic    string `json:"topic"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Priority int    `json:"priority"`
}

func setupNtfy(t *testing.T, status int) *[]received {
	t.Helper()
	var got []received
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg received
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		got = append(got, msg)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	origURL, origCfg := baseURL, env.Cfg
	baseURL = srv.URL
	env.Cfg = &config.Config{NtfyTopic: "lab-pumps"}
	t.Cleanup(func() {
		baseURL, env.Cfg = origURL, origCfg
		initialized, topic, client = false, "", nil
	})
	Init()
	return &got
}

func TestSend(t *testing.T) {
	got := setupNtfy(t, http.StatusOK)

	require.NoError(t, Send("title", "body", PriorityHigh))
	require.Len(t, *got, 1)
	assert.Equal(t, received{Topic: "lab-pumps", Title: "title", Message: "body", Priority: PriorityHigh}, (*got)[0])
}

func TestSend_ErrorStatus(t *testing.T) {
	setupNtfy(t, http.StatusTooManyRequests)
	assert.Error(t, Send("title", "body", PriorityDefault))
}

func TestSend_NotInitialized(t *testing.T) {
	orig := env.Cfg
	env.Cfg = &config.Config{}
	t.Cleanup(func() { env.Cfg = orig })
	Init()
	assert.Error(t, Send("title", "body", PriorityDefault))
}

func TestReporter_AlertsOnlyOnActionableFaults(t *testing.T) {
	got := setupNtfy(t, http.StatusOK)
	r := Reporter{}

	r.CycleFailed(model.Fault{Channel: "well-1", Kind: model.FaultDevice, Message: "plunger overload"})
	r.CycleFailed(model.Fault{Channel: "well-1", Kind: model.FaultInsufficientFill, Message: "holds 33.3 uL"})
	r.CycleFailed(model.Fault{Channel: "well-2", Kind: model.FaultTransport, Message: "port closed"})
	r.CycleCompleted(model.Snapshot{Name: "well-1"})

	require.Len(t, *got, 2)
	assert.Equal(t, "Channel well-1: syringe did not fill", (*got)[0].Title)
	assert.Equal(t, PriorityHigh, (*got)[0].Priority)
	assert.Equal(t, "Pump link lost", (*got)[1].Title)
	assert.Equal(t, PriorityUrgent, (*got)[1].Priority)
}

func TestReporter_Finished(t *testing.T) {
	got := setupNtfy(t, http.StatusOK)

	Reporter{}.Finished(model.ExperimentStatus{
		Duration: time.Hour,
		Elapsed:  20 * time.Minute,
		Outcome:  model.OutcomeAborted,
		Channels: 2,
	}, errors.New("link fault"))

	require.Len(t, *got, 1)
	assert.Equal(t, "Experiment aborted", (*got)[0].Title)
	assert.Equal(t, "Ran 20m0s of 1h0m0s across 2 channels: link fault", (*got)[0].Message)
	assert.Equal(t, PriorityUrgent, (*got)[0].Priority)
}
