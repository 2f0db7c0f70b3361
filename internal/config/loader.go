package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"mic":     {"alsa", "ws"},
	"stt":     {"deepgram", "whisper"},
	"tts":     {"elevenlabs", "coqui"},
	"respond": {"openai", "anyllm"},
	"vad":     {"energy"},
	"embed":   {"ollama", "openai"},
}

// Configuration defaults, applied by [applyDefaults] before validation.
const (
	defaultSampleRate      = 16000
	defaultFrameMS         = 20
	defaultPreRollMS       = 3000
	defaultPlaybackCommand = "aplay"

	defaultTargetRMS   = 0.1
	defaultMinGain     = 0.5
	defaultMaxGain     = 8.0
	defaultAttackRate  = 0.3
	defaultReleaseRate = 0.1

	defaultCalibrationFrames = 50
	defaultQuietMax          = 0.02
	defaultModerateMax       = 0.06

	defaultWakePhrase      = "hey earshot"
	defaultWakeThreshold   = 0.65
	defaultDebounceMS      = 700
	defaultMaxWindowTokens = 12
	defaultResetIntervalMS = 5000

	defaultGracePeriodMS      = 1000
	defaultSilenceThresholdMS = 1200
	defaultMinSpeechFrames    = 10
	defaultMaxDurationS       = 30
	defaultTailPaddingMS      = 400

	defaultFollowupTimeoutS = 15

	defaultMuteSafetyTimeoutS = 60
	defaultUnmuteGraceMS      = 150
	defaultReadRetryInitialMS = 1000
	defaultReadRetryMaxMS     = 30000
	defaultSpeakAttempts      = 2
	defaultSpeakRetryDelayMS  = 500

	// defaultEmbeddingDimensions matches nomic-embed-text, the usual
	// Ollama embedding model.
	defaultEmbeddingDimensions = 768
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. ${VAR} references anywhere in the file are expanded from the
// environment before decoding, so API keys need not live in the file itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg, err := LoadFromReader(bytes.NewReader(expandEnv(data)))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals. No environment expansion happens here.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envRef matches ${VAR} with a conventional environment variable name.
// Bare $VAR is left untouched so dollar signs in phrase lists or commands
// need no escaping.
var envRef = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}`)

// expandEnv substitutes ${VAR} references with values from the environment.
// Unset variables expand to the empty string.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		name := string(ref[2 : len(ref)-1])
		return []byte(os.Getenv(name))
	})
}

// applyDefaults fills every zero field that has a documented default.
// Explicitly configured values are never touched.
func applyDefaults(cfg *Config) {
	a := &cfg.Audio
	if a.SampleRate == 0 {
		a.SampleRate = defaultSampleRate
	}
	if a.FrameMS == 0 {
		a.FrameMS = defaultFrameMS
	}
	if a.PreRollMS == 0 {
		a.PreRollMS = defaultPreRollMS
	}
	if a.PlaybackCommand == "" {
		a.PlaybackCommand = defaultPlaybackCommand
		if a.PlaybackArgs == nil {
			// {rate} is substituted with each clip's sample rate at playback.
			a.PlaybackArgs = []string{
				"-q", "-t", "raw", "-f", "S16_LE",
				"-r", "{rate}", "-c", "1",
			}
		}
	}

	g := &cfg.Gain
	if g.TargetRMS == 0 {
		g.TargetRMS = defaultTargetRMS
	}
	if g.MinGain == 0 {
		g.MinGain = defaultMinGain
	}
	if g.MaxGain == 0 {
		g.MaxGain = defaultMaxGain
	}
	if g.AttackRate == 0 {
		g.AttackRate = defaultAttackRate
	}
	if g.ReleaseRate == 0 {
		g.ReleaseRate = defaultReleaseRate
	}

	v := &cfg.VAD
	if v.CalibrationFrames == 0 {
		v.CalibrationFrames = defaultCalibrationFrames
	}
	if v.QuietMax == 0 {
		v.QuietMax = defaultQuietMax
	}
	if v.ModerateMax == 0 {
		v.ModerateMax = defaultModerateMax
	}

	w := &cfg.Wake
	if len(w.Variants) == 0 {
		w.Variants = []string{defaultWakePhrase}
	}
	if w.Threshold == 0 {
		w.Threshold = defaultWakeThreshold
	}
	if w.DebounceMS == 0 {
		w.DebounceMS = defaultDebounceMS
	}
	if w.MaxWindowTokens == 0 {
		w.MaxWindowTokens = defaultMaxWindowTokens
	}
	if w.ResetIntervalMS == 0 {
		w.ResetIntervalMS = defaultResetIntervalMS
	}

	s := &cfg.Segment
	if s.GracePeriodMS == 0 {
		s.GracePeriodMS = defaultGracePeriodMS
	}
	if s.SilenceThresholdMS == 0 {
		s.SilenceThresholdMS = defaultSilenceThresholdMS
	}
	if s.MinSpeechFrames == 0 {
		s.MinSpeechFrames = defaultMinSpeechFrames
	}
	if s.MaxDurationS == 0 {
		s.MaxDurationS = defaultMaxDurationS
	}
	if s.TailPaddingMS == 0 {
		s.TailPaddingMS = defaultTailPaddingMS
	}
	if s.StopPhraseThreshold == 0 {
		s.StopPhraseThreshold = w.Threshold
	}

	se := &cfg.Session
	if se.FollowupTimeoutS == 0 {
		se.FollowupTimeoutS = defaultFollowupTimeoutS
	}
	if se.ExitThreshold == 0 {
		se.ExitThreshold = w.Threshold
	}

	d := &cfg.Duplex
	if d.MuteSafetyTimeoutS == 0 {
		d.MuteSafetyTimeoutS = defaultMuteSafetyTimeoutS
	}
	if d.UnmuteGraceMS == 0 {
		d.UnmuteGraceMS = defaultUnmuteGraceMS
	}
	if d.ReadRetry.InitialMS == 0 {
		d.ReadRetry.InitialMS = defaultReadRetryInitialMS
	}
	if d.ReadRetry.MaxMS == 0 {
		d.ReadRetry.MaxMS = defaultReadRetryMaxMS
	}
	if d.Speak.Attempts == 0 {
		d.Speak.Attempts = defaultSpeakAttempts
	}
	if d.Speak.RetryDelayMS == 0 {
		d.Speak.RetryDelayMS = defaultSpeakRetryDelayMS
	}

	if cfg.Archive.PostgresDSN != "" && cfg.Archive.EmbeddingDimensions == 0 {
		cfg.Archive.EmbeddingDimensions = defaultEmbeddingDimensions
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = LogInfo
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = LogText
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Logging
	if !cfg.Logging.Level.IsValid() {
		errs = append(errs, fmt.Errorf("logging.level %q is invalid; valid values: debug, info, warn, error", cfg.Logging.Level))
	}
	if !cfg.Logging.Format.IsValid() {
		errs = append(errs, fmt.Errorf("logging.format %q is invalid; valid values: text, json", cfg.Logging.Format))
	}

	// Audio geometry
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameMS <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_ms must be positive, got %d", cfg.Audio.FrameMS))
	}
	if cfg.Audio.FrameMS > 0 && cfg.Audio.PreRollMS < cfg.Audio.FrameMS {
		errs = append(errs, fmt.Errorf("audio.pre_roll_ms %d must hold at least one frame of %d ms", cfg.Audio.PreRollMS, cfg.Audio.FrameMS))
	}

	// Gain
	if cfg.Gain.TargetRMS <= 0 || cfg.Gain.TargetRMS > 1 {
		errs = append(errs, fmt.Errorf("gain.target_rms %v is out of range (0, 1]", cfg.Gain.TargetRMS))
	}
	if cfg.Gain.MinGain <= 0 {
		errs = append(errs, fmt.Errorf("gain.min_gain must be positive, got %v", cfg.Gain.MinGain))
	}
	if cfg.Gain.MaxGain < cfg.Gain.MinGain {
		errs = append(errs, fmt.Errorf("gain.max_gain %v must not be below gain.min_gain %v", cfg.Gain.MaxGain, cfg.Gain.MinGain))
	}
	if cfg.Gain.AttackRate <= 0 || cfg.Gain.AttackRate > 1 {
		errs = append(errs, fmt.Errorf("gain.attack_rate %v is out of range (0, 1]", cfg.Gain.AttackRate))
	}
	if cfg.Gain.ReleaseRate <= 0 || cfg.Gain.ReleaseRate > 1 {
		errs = append(errs, fmt.Errorf("gain.release_rate %v is out of range (0, 1]", cfg.Gain.ReleaseRate))
	}

	// VAD calibration
	if cfg.VAD.CalibrationFrames < 1 {
		errs = append(errs, fmt.Errorf("vad.calibration_frames must be at least 1, got %d", cfg.VAD.CalibrationFrames))
	}
	if cfg.VAD.QuietMax <= 0 || cfg.VAD.ModerateMax <= cfg.VAD.QuietMax {
		errs = append(errs, fmt.Errorf("vad thresholds must satisfy 0 < quiet_max < moderate_max, got %v and %v", cfg.VAD.QuietMax, cfg.VAD.ModerateMax))
	}

	// Wake
	if cfg.Wake.Threshold <= 0 || cfg.Wake.Threshold > 1 {
		errs = append(errs, fmt.Errorf("wake.threshold %v is out of range (0, 1]", cfg.Wake.Threshold))
	}
	if cfg.Wake.DebounceMS < 0 {
		errs = append(errs, fmt.Errorf("wake.debounce_ms must not be negative, got %d", cfg.Wake.DebounceMS))
	}
	if cfg.Wake.MaxWindowTokens < 1 {
		errs = append(errs, fmt.Errorf("wake.max_window_tokens must be at least 1, got %d", cfg.Wake.MaxWindowTokens))
	}

	// Segmentation, including the min-speech vs silence-threshold invariant.
	if err := cfg.Segment.SegmenterConfig(cfg.Audio).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("segment: %w", err))
	}

	// Session
	if cfg.Session.FollowupTimeoutS <= 0 {
		errs = append(errs, fmt.Errorf("session.followup_timeout_s must be positive, got %d", cfg.Session.FollowupTimeoutS))
	}
	if cfg.Session.ExitThreshold < 0 || cfg.Session.ExitThreshold > 1 {
		errs = append(errs, fmt.Errorf("session.exit_threshold %v is out of range [0, 1]", cfg.Session.ExitThreshold))
	}

	// Duplex
	if cfg.Duplex.MuteSafetyTimeoutS <= 0 {
		errs = append(errs, fmt.Errorf("duplex.mute_safety_timeout_s must be positive, got %d", cfg.Duplex.MuteSafetyTimeoutS))
	}
	if cfg.Duplex.UnmuteGraceMS < 0 {
		errs = append(errs, fmt.Errorf("duplex.unmute_grace_ms must not be negative, got %d", cfg.Duplex.UnmuteGraceMS))
	}
	if cfg.Duplex.ReadRetry.Budget < 0 {
		errs = append(errs, fmt.Errorf("duplex.read_retry.budget must not be negative, got %d", cfg.Duplex.ReadRetry.Budget))
	}
	if cfg.Duplex.Speak.Attempts < 1 {
		errs = append(errs, fmt.Errorf("duplex.speak.attempts must be at least 1, got %d", cfg.Duplex.Speak.Attempts))
	}

	// The pipeline cannot run without these five stages.
	requireProvider(&errs, "providers.mic", cfg.Providers.Mic)
	requireProvider(&errs, "providers.stt", cfg.Providers.STT)
	requireProvider(&errs, "providers.tts", cfg.Providers.TTS)
	requireProvider(&errs, "providers.respond", cfg.Providers.Respond)
	requireProvider(&errs, "providers.vad", cfg.Providers.VAD)

	// Provider name validation — warn for unknown provider names.
	validateProviderName("mic", cfg.Providers.Mic.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("tts", cfg.Providers.TTSFallback.Name)
	validateProviderName("respond", cfg.Providers.Respond.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("embed", cfg.Providers.Embed.Name)

	// Archive availability warnings
	if cfg.Archive.PostgresDSN == "" {
		slog.Warn("archive.postgres_dsn is empty; finished sessions will not be archived")
	} else {
		if cfg.Archive.EmbeddingDimensions <= 0 {
			errs = append(errs, fmt.Errorf("archive.embedding_dimensions must be positive when archival is enabled, got %d", cfg.Archive.EmbeddingDimensions))
		}
		if cfg.Providers.Embed.Name == "" {
			slog.Warn("archive is enabled without providers.embed; turns will be archived without a semantic index")
		}
	}
	if cfg.Providers.Embed.Name != "" && cfg.Archive.PostgresDSN == "" {
		slog.Warn("providers.embed is configured but archival is disabled; embeddings will never be computed")
	}

	if cfg.Admin.ListenAddr == "" {
		slog.Warn("admin.listen_addr is empty; health, metrics and event endpoints are disabled")
	}

	return errors.Join(errs...)
}

// requireProvider records an error when a mandatory provider slot has no name.
func requireProvider(errs *[]error, key string, entry ProviderEntry) {
	if entry.Name == "" {
		*errs = append(*errs, fmt.Errorf("%s.name is required", key))
	}
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
