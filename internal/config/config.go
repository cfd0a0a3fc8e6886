package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	StateDir   string `yaml:"state_dir"`
	TmuxSocket string `yaml:"tmux_socket"`

	AgentCommand string `yaml:"agent_command"`

	ReadyTimeout      time.Duration   `yaml:"ready_timeout"`
	PollInterval      time.Duration   `yaml:"poll_interval"`
	CommandTimeout    time.Duration   `yaml:"command_timeout"`
	RetryBackoff      []time.Duration `yaml:"retry_backoff"`
	ReconcileInterval time.Duration   `yaml:"reconcile_interval"`
	ScreenshotTimeout time.Duration   `yaml:"screenshot_timeout"`
	BackgroundTimeout time.Duration   `yaml:"background_timeout"`

	SpeechCooldown  time.Duration `yaml:"speech_cooldown"`
	MinAudioBytes   int           `yaml:"min_audio_bytes"`
	MinWords        int           `yaml:"min_words"`
	MinWordsIdle    int           `yaml:"min_words_idle"`
	WorkingCap      int           `yaml:"working_cap"`
	CaptureLines    int           `yaml:"capture_lines"`
	MinSummaryChars int           `yaml:"min_summary_chars"`

	MemoryTokenCeiling int `yaml:"memory_token_ceiling"`
	MemoryRetainTurns  int `yaml:"memory_retain_turns"`
	MemoryFactCap      int `yaml:"memory_fact_cap"`

	TranscribeURL string `yaml:"transcribe_url"`
	SynthesizeURL string `yaml:"synthesize_url"`
	DecisionURL   string `yaml:"decision_url"`
	ProviderKey   string `yaml:"provider_key"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:   "127.0.0.1:7388",
		DBPath:       defaultDBPath(),
		StateDir:     defaultStateDir(),
		AgentCommand: "claude",

		ReadyTimeout:      120 * time.Second,
		PollInterval:      500 * time.Millisecond,
		CommandTimeout:    5 * time.Second,
		RetryBackoff:      []time.Duration{250 * time.Millisecond, 1 * time.Second},
		ReconcileInterval: 10 * time.Second,
		ScreenshotTimeout: 5 * time.Second,
		BackgroundTimeout: 10 * time.Minute,

		SpeechCooldown:  2 * time.Second,
		MinAudioBytes:   2048,
		MinWords:        2,
		MinWordsIdle:    3,
		WorkingCap:      3,
		CaptureLines:    200,
		MinSummaryChars: 40,

		MemoryTokenCeiling: 200_000,
		MemoryRetainTurns:  10,
		MemoryFactCap:      30,
	}
}

// UnmarshalYAML decodes through a shadow struct so duration keys accept
// human-readable values ("30s", "500ms"); yaml.v3 has no native
// time.Duration support. Absent keys leave the current value untouched.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig struct {
		ListenAddr *string `yaml:"listen_addr"`
		DBPath     *string `yaml:"db_path"`
		StateDir   *string `yaml:"state_dir"`
		TmuxSocket *string `yaml:"tmux_socket"`

		AgentCommand *string `yaml:"agent_command"`

		ReadyTimeout      *string  `yaml:"ready_timeout"`
		PollInterval      *string  `yaml:"poll_interval"`
		CommandTimeout    *string  `yaml:"command_timeout"`
		RetryBackoff      []string `yaml:"retry_backoff"`
		ReconcileInterval *string  `yaml:"reconcile_interval"`
		ScreenshotTimeout *string  `yaml:"screenshot_timeout"`
		BackgroundTimeout *string  `yaml:"background_timeout"`
		SpeechCooldown    *string  `yaml:"speech_cooldown"`

		MinAudioBytes   *int `yaml:"min_audio_bytes"`
		MinWords        *int `yaml:"min_words"`
		MinWordsIdle    *int `yaml:"min_words_idle"`
		WorkingCap      *int `yaml:"working_cap"`
		CaptureLines    *int `yaml:"capture_lines"`
		MinSummaryChars *int `yaml:"min_summary_chars"`

		MemoryTokenCeiling *int `yaml:"memory_token_ceiling"`
		MemoryRetainTurns  *int `yaml:"memory_retain_turns"`
		MemoryFactCap      *int `yaml:"memory_fact_cap"`

		TranscribeURL *string `yaml:"transcribe_url"`
		SynthesizeURL *string `yaml:"synthesize_url"`
		DecisionURL   *string `yaml:"decision_url"`
		ProviderKey   *string `yaml:"provider_key"`
	}
	var raw rawConfig
	if err := node.Decode(&raw); err != nil {
		return err
	}

	setStr := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setDur := func(dst *time.Duration, src *string) error {
		if src == nil {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", *src, err)
		}
		*dst = d
		return nil
	}

	setStr(&c.ListenAddr, raw.ListenAddr)
	setStr(&c.DBPath, raw.DBPath)
	setStr(&c.StateDir, raw.StateDir)
	setStr(&c.TmuxSocket, raw.TmuxSocket)
	setStr(&c.AgentCommand, raw.AgentCommand)
	setStr(&c.TranscribeURL, raw.TranscribeURL)
	setStr(&c.SynthesizeURL, raw.SynthesizeURL)
	setStr(&c.DecisionURL, raw.DecisionURL)
	setStr(&c.ProviderKey, raw.ProviderKey)

	setInt(&c.MinAudioBytes, raw.MinAudioBytes)
	setInt(&c.MinWords, raw.MinWords)
	setInt(&c.MinWordsIdle, raw.MinWordsIdle)
	setInt(&c.WorkingCap, raw.WorkingCap)
	setInt(&c.CaptureLines, raw.CaptureLines)
	setInt(&c.MinSummaryChars, raw.MinSummaryChars)
	setInt(&c.MemoryTokenCeiling, raw.MemoryTokenCeiling)
	setInt(&c.MemoryRetainTurns, raw.MemoryRetainTurns)
	setInt(&c.MemoryFactCap, raw.MemoryFactCap)

	for dst, src := range map[*time.Duration]*string{
		&c.ReadyTimeout:      raw.ReadyTimeout,
		&c.PollInterval:      raw.PollInterval,
		&c.CommandTimeout:    raw.CommandTimeout,
		&c.ReconcileInterval: raw.ReconcileInterval,
		&c.ScreenshotTimeout: raw.ScreenshotTimeout,
		&c.BackgroundTimeout: raw.BackgroundTimeout,
		&c.SpeechCooldown:    raw.SpeechCooldown,
	} {
		if err := setDur(dst, src); err != nil {
			return err
		}
	}

	if raw.RetryBackoff != nil {
		backoff := make([]time.Duration, 0, len(raw.RetryBackoff))
		for _, s := range raw.RetryBackoff {
			d, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("invalid retry_backoff entry %q: %w", s, err)
			}
			backoff = append(backoff, d)
		}
		c.RetryBackoff = backoff
	}
	return nil
}

// Load overlays the YAML file at path onto the defaults. A missing file
// is not an error; the defaults stand.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultConfigPath()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func DefaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "voxmux", "config.yml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "voxmux.yml"
	}
	return filepath.Join(home, ".config", "voxmux", "config.yml")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "voxmux.db"
	}
	return filepath.Join(home, ".local", "state", "voxmux", "sessions.db")
}

func defaultStateDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "voxmux")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".voxmux"
	}
	return filepath.Join(home, ".local", "state", "voxmux", "run")
}
