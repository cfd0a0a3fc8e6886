package voice

import (
	"strings"
	"time"
)

// RejectReason says why an input never reached the decision model.
type RejectReason string

const (
	RejectNone        RejectReason = ""
	RejectCooldown    RejectReason = "cooldown"
	RejectTooSmall    RejectReason = "audio_too_small"
	RejectArtifact    RejectReason = "transcription_artifact"
	RejectTooFewWords RejectReason = "too_few_words"
)

// Stock phrases speech-to-text models emit on near-silence.
var silenceArtifacts = []string{
	"thank you.",
	"thanks for watching",
	"thank you for watching",
	"subscribe",
	"you",
	".",
	"bye.",
	"okay.",
	"uh",
	"um",
}

type FilterConfig struct {
	SpeechCooldown time.Duration
	MinAudioBytes  int
	MinWords       int
	MinWordsIdle   int
}

// FilterAudio is the pre-transcription gate.
func FilterAudio(cfg FilterConfig, audioLen int, lastSpokenAt, now time.Time) RejectReason {
	if !lastSpokenAt.IsZero() && now.Sub(lastSpokenAt) < cfg.SpeechCooldown {
		// The microphone is probably hearing our own speech.
		return RejectCooldown
	}
	if audioLen < cfg.MinAudioBytes {
		return RejectTooSmall
	}
	return RejectNone
}

// FilterTranscript is the post-transcription gate. idleWaiting raises
// the word floor: right after the system spoke, we expect a deliberate
// instruction, not a stray word.
func FilterTranscript(cfg FilterConfig, transcript string, idleWaiting bool) RejectReason {
	trimmed := strings.TrimSpace(transcript)
	lower := strings.ToLower(trimmed)
	for _, artifact := range silenceArtifacts {
		if lower == artifact || lower == strings.TrimSuffix(artifact, ".") {
			return RejectArtifact
		}
	}
	floor := cfg.MinWords
	if idleWaiting && cfg.MinWordsIdle > floor {
		floor = cfg.MinWordsIdle
	}
	if len(strings.Fields(trimmed)) < floor {
		return RejectTooFewWords
	}
	return RejectNone
}
