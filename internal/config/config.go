// Package config provides the configuration structure for the lipsync-service.
package config

import (
	"fmt"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                      string `toml:"url"`
	SynthesisRequestSubject  string `toml:"synthesis_request_subject"`
	SynthesisProgressSubject string `toml:"synthesis_progress_subject"`
	MediaObjectStoreBucket   string `toml:"media_object_store_bucket"`
}

// HTTPConfig holds the configuration for the job API server.
type HTTPConfig struct {
	ListenAddress string `toml:"listen_address"`
}

// InferenceConfig holds the configuration for the model inference backend.
type InferenceConfig struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// ResourceConfig holds the accelerator memory budget and per-model costs.
type ResourceConfig struct {
	MemoryBudgetBytes int64            `toml:"memory_budget_bytes"`
	ModelCostsBytes   map[string]int64 `toml:"model_costs_bytes"`
}

// SpeechConfig holds the configuration for speech synthesis.
type SpeechConfig struct {
	ModelID           string  `toml:"model_id"`
	MaxUtteranceChars int     `toml:"max_utterance_chars"`
	ChunkTimeoutSecs  int     `toml:"chunk_timeout_seconds"`
	Workers           int     `toml:"workers"`
	SampleRate        int     `toml:"sample_rate"`
	Temperature       float64 `toml:"temperature"`
}

// FaceTrackConfig holds the configuration for face detection and alignment.
type FaceTrackConfig struct {
	ModelID             string  `toml:"model_id"`
	ConfidenceThreshold float64 `toml:"confidence_threshold"`
	CropSize            int     `toml:"crop_size"`
	Workers             int     `toml:"workers"`
}

// MotionConfig holds the configuration for audio-to-motion generation.
type MotionConfig struct {
	ModelID    string  `toml:"model_id"`
	HopSeconds float64 `toml:"hop_seconds"`
}

// RenderConfig holds the configuration for frame rendering.
type RenderConfig struct {
	ModelID string `toml:"model_id"`
	Workers int    `toml:"workers"`
}

// RestoreConfig holds the configuration for face restoration.
type RestoreConfig struct {
	ModelID  string  `toml:"model_id"`
	Strength float64 `toml:"strength"`
	Skip     bool    `toml:"skip"`
}

// ComposeConfig holds the configuration for compositing and muxing.
type ComposeConfig struct {
	FeatherPixels int `toml:"feather_pixels"`
}

// PipelineConfig holds the orchestration limits for job execution.
type PipelineConfig struct {
	MaxConcurrentJobs int `toml:"max_concurrent_jobs"`
	RestoreWorkers    int `toml:"restore_workers"`
	StageRetries      int `toml:"stage_retries"`
	RetryBackoffMs    int `toml:"retry_backoff_ms"`
	QueueWorkers      int `toml:"queue_workers"`
}

// CleanupConfig holds the retention policy for finished jobs.
type CleanupConfig struct {
	Schedule    string `toml:"schedule"`
	MaxAgeHours int    `toml:"max_age_hours"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	WorkDir     string `toml:"work_dir"`
	JobDBPath   string `toml:"job_db_path"`
}

// Config is the root configuration structure.
type Config struct {
	NATS      NATSConfig      `toml:"nats"`
	HTTP      HTTPConfig      `toml:"http"`
	Inference InferenceConfig `toml:"inference"`
	Resource  ResourceConfig  `toml:"resource"`
	Speech    SpeechConfig    `toml:"speech"`
	FaceTrack FaceTrackConfig `toml:"face_track"`
	Motion    MotionConfig    `toml:"motion"`
	Render    RenderConfig    `toml:"render"`
	Restore   RestoreConfig   `toml:"restore"`
	Compose   ComposeConfig   `toml:"compose"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Cleanup   CleanupConfig   `toml:"cleanup"`
	Paths     PathsConfig     `toml:"paths"`
}

// Load loads the configuration for the lipsync-service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return &cfg, nil
}

// InferenceTimeout returns the backend request timeout as a duration.
func (c *InferenceConfig) InferenceTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ChunkTimeout returns the per-utterance synthesis timeout as a duration.
func (c *SpeechConfig) ChunkTimeout() time.Duration {
	return time.Duration(c.ChunkTimeoutSecs) * time.Second
}

// RetryBackoff returns the initial stage retry backoff as a duration.
func (c *PipelineConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

// MaxAge returns the terminal job retention window as a duration.
func (c *CleanupConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeHours) * time.Hour
}
