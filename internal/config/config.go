// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// AppConfig is the process-wide configuration, loaded once at startup
// from the environment (§6 "Configuration (environment)").
type AppConfig struct {
	Host string `mapstructure:"host" validate:"required"`
	Port int    `mapstructure:"port" validate:"required"`

	LogLevel string `mapstructure:"log_level"`
	Debug    bool   `mapstructure:"debug"`

	ForceCommitTimeoutSeconds int  `mapstructure:"force_commit_timeout"`
	BroadcastTranscripts      bool `mapstructure:"broadcast_transcripts"`
	BroadcastTranscriptsMax   int  `mapstructure:"broadcast_transcripts_max_size"`

	SessionResumeEnabled      bool `mapstructure:"session_resume_enabled"`
	SessionResumeGracePeriod  int  `mapstructure:"session_resume_grace_period"`

	ProvidersPriorityCSV string   `mapstructure:"providers_priority"`
	ProvidersPriority    []string `mapstructure:"-"`

	OpenAI   OpenAIConfig   `mapstructure:",squash"`
	Gemini   GeminiConfig   `mapstructure:",squash"`
	Deepgram DeepgramConfig `mapstructure:",squash"`

	EnableDummyProvider bool `mapstructure:"enable_dummy_provider"`
}

type OpenAIConfig struct {
	APIKey               string `mapstructure:"openai_api_key"`
	Model                string `mapstructure:"openai_model"`
	TranscriptionPrompt  string `mapstructure:"openai_transcription_prompt"`
	TurnDetectionJSON    string `mapstructure:"openai_turn_detection"`
}

type GeminiConfig struct {
	APIKey              string `mapstructure:"gemini_api_key"`
	Model               string `mapstructure:"gemini_model"`
	TranscriptionPrompt string `mapstructure:"gemini_transcription_prompt"`
}

type DeepgramConfig struct {
	APIKey          string `mapstructure:"deepgram_api_key"`
	Model           string `mapstructure:"deepgram_model"`
	Language        string `mapstructure:"deepgram_language"`
	Encoding        string `mapstructure:"deepgram_encoding"`
	SampleRate      int    `mapstructure:"deepgram_sample_rate"`
	Punctuate       bool   `mapstructure:"deepgram_punctuate"`
	Diarize         bool   `mapstructure:"deepgram_diarize"`
	IncludeLanguage bool   `mapstructure:"deepgram_include_language"`
	Tags            string `mapstructure:"deepgram_tags"`
}

// Load reads configuration from the environment, applying the §6 defaults,
// and returns a validated AppConfig.
func Load() (*AppConfig, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("__"))
	v.AutomaticEnv()
	setDefaults(v)

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.ProvidersPriority = splitCSV(cfg.ProvidersPriorityCSV)

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DEBUG", false)

	v.SetDefault("FORCE_COMMIT_TIMEOUT", 10)
	v.SetDefault("BROADCAST_TRANSCRIPTS", true)
	v.SetDefault("BROADCAST_TRANSCRIPTS_MAX_SIZE", 5120)

	v.SetDefault("SESSION_RESUME_ENABLED", true)
	v.SetDefault("SESSION_RESUME_GRACE_PERIOD", 30)

	v.SetDefault("PROVIDERS_PRIORITY", "openai,deepgram,gemini,dummy")

	v.SetDefault("OPENAI_MODEL", "gpt-4o-transcribe")
	v.SetDefault("GEMINI_MODEL", "gemini-2.0-flash-live-001")

	v.SetDefault("DEEPGRAM_MODEL", "nova-2")
	v.SetDefault("DEEPGRAM_LANGUAGE", "en")
	v.SetDefault("DEEPGRAM_ENCODING", "opus")
	v.SetDefault("DEEPGRAM_SAMPLE_RATE", 16000)
	v.SetDefault("DEEPGRAM_PUNCTUATE", true)
	v.SetDefault("DEEPGRAM_DIARIZE", false)
	v.SetDefault("DEEPGRAM_INCLUDE_LANGUAGE", false)

	v.SetDefault("ENABLE_DUMMY_PROVIDER", true)

	// Keys with no default must be bound explicitly: AutomaticEnv alone
	// does not make Unmarshal see environment variables for unknown keys.
	for _, key := range []string{
		"OPENAI_API_KEY", "OPENAI_TRANSCRIPTION_PROMPT", "OPENAI_TURN_DETECTION",
		"GEMINI_API_KEY", "GEMINI_TRANSCRIPTION_PROMPT",
		"DEEPGRAM_API_KEY", "DEEPGRAM_TAGS",
	} {
		_ = v.BindEnv(key)
	}
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// AvailableProviders returns the subset of ProvidersPriority that have
// credentials configured (or, for "dummy", are simply enabled). Order is
// preserved — the first entry is the default provider (§4.5 Admission).
func (c *AppConfig) AvailableProviders() []string {
	out := make([]string, 0, len(c.ProvidersPriority))
	for _, p := range c.ProvidersPriority {
		if c.HasCredentials(p) {
			out = append(out, p)
		}
	}
	return out
}

// HasCredentials reports whether provider p is usable given current config.
func (c *AppConfig) HasCredentials(p string) bool {
	switch p {
	case "openai":
		return c.OpenAI.APIKey != ""
	case "gemini":
		return c.Gemini.APIKey != ""
	case "deepgram":
		return c.Deepgram.APIKey != ""
	case "dummy":
		return c.EnableDummyProvider
	default:
		return false
	}
}
