package voice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testFilterConfig() FilterConfig {
	return FilterConfig{
		SpeechCooldown: 2 * time.Second,
		MinAudioBytes:  2048,
		MinWords:       2,
		MinWordsIdle:   3,
	}
}

func TestFilterAudioCooldownRejectsSelfCapture(t *testing.T) {
	cfg := testFilterConfig()
	now := time.Now()

	assert.Equal(t, RejectCooldown, FilterAudio(cfg, 5000, now.Add(-time.Second), now))
	assert.Equal(t, RejectNone, FilterAudio(cfg, 5000, now.Add(-3*time.Second), now))
	assert.Equal(t, RejectNone, FilterAudio(cfg, 5000, time.Time{}, now),
		"never having spoken means no cooldown")
}

func TestFilterAudioMinBytes(t *testing.T) {
	cfg := testFilterConfig()
	now := time.Now()

	assert.Equal(t, RejectTooSmall, FilterAudio(cfg, 100, time.Time{}, now))
	assert.Equal(t, RejectNone, FilterAudio(cfg, 2048, time.Time{}, now))
}

func TestFilterTranscriptArtifacts(t *testing.T) {
	cfg := testFilterConfig()

	for _, artifact := range []string{"Thank you.", "thank you", "you", "Uh", " um "} {
		assert.Equal(t, RejectArtifact, FilterTranscript(cfg, artifact, false),
			"artifact %q must be dropped", artifact)
	}
}

func TestFilterTranscriptWordFloor(t *testing.T) {
	cfg := testFilterConfig()

	assert.Equal(t, RejectTooFewWords, FilterTranscript(cfg, "hello", false))
	assert.Equal(t, RejectNone, FilterTranscript(cfg, "run tests", false))
}

func TestFilterTranscriptIdleWaitingRaisesFloor(t *testing.T) {
	cfg := testFilterConfig()

	// Two words pass normally but not right after the system spoke.
	assert.Equal(t, RejectNone, FilterTranscript(cfg, "run tests", false))
	assert.Equal(t, RejectTooFewWords, FilterTranscript(cfg, "run tests", true))
	assert.Equal(t, RejectNone, FilterTranscript(cfg, "run the tests", true))
}
