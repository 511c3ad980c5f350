package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	values, err := Encode(RunCreated, RunEvent{RunID: "run_1", PipelineID: "review"})
	require.NoError(t, err)
	assert.Equal(t, RunCreated, values["type"])

	env, err := Decode(values)
	require.NoError(t, err)
	assert.Equal(t, RunCreated, env.Type)

	payload, err := DecodePayload[RunEvent](env)
	require.NoError(t, err)
	assert.Equal(t, "run_1", payload.RunID)
	assert.Equal(t, "review", payload.PipelineID)
}

func TestDecodeRejectsMissingPayload(t *testing.T) {
	_, err := Decode(map[string]string{"type": RunCreated})
	assert.Error(t, err)
}

func TestIsStructural(t *testing.T) {
	structural := []string{
		SessionStepStart, SessionStepEnd, SessionToolStart, SessionToolEnd,
		SessionTurnEnd, SessionResponseAborted, SessionContainerReady,
		SessionContainerBusy, SessionContainerIdle, SessionContainerExit,
		SessionComplete,
	}
	for _, et := range structural {
		assert.True(t, IsStructural(et), et)
	}
	for _, et := range []string{SessionOutput, SessionThinking, SessionHeartbeat, SessionConnected} {
		assert.False(t, IsStructural(et), et)
	}
}

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "sessions:s1:stream", SessionStream("s1"))
	assert.Equal(t, "sessions:s1", SessionChannel("s1"))
	assert.Equal(t, "sessions:s1:control", SessionControlChannel("s1"))
	assert.Equal(t, "agent:pixel:inbox", AgentInboxStream("pixel"))
	assert.Equal(t, "agent:pixel:work_lock:task-9", WorkLockKey("pixel", "task-9"))
	assert.Equal(t, "agent:pixel:wakes:2026-08-24", WakesKey("pixel", "2026-08-24"))
	assert.Equal(t, "agent:pixel:wakes:2026-08-24:pair:echo", PairWakesKey("pixel", "echo", "2026-08-24"))
}
