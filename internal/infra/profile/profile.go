// Package profile loads the optional YAML detection profile that
// supplies submission defaults for the service.
package profile

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roadlens/vru-detection-service/internal/domain/entity"
	"github.com/roadlens/vru-detection-service/internal/usecase"
)

type Profile struct {
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	TargetClasses       []string `yaml:"target_classes"`
	MinIoU              float64  `yaml:"min_iou"`
	MaxGap              int      `yaml:"max_gap"`
	MaxRetries          int      `yaml:"max_retries"`
	RetryBaseDelayMS    int      `yaml:"retry_base_delay_ms"`
	FallbackEnabled     bool     `yaml:"fallback_enabled"`
}

// Default is the profile used when no file is configured.
func Default() Profile {
	return Profile{
		ConfidenceThreshold: 0.5,
		TargetClasses:       []string{"pedestrian", "cyclist"},
		MinIoU:              entity.DefaultMinIoU,
		MaxGap:              entity.DefaultMaxGap,
		MaxRetries:          entity.DefaultMaxRetries,
	}
}

// Load reads and validates a profile file. An empty path returns the
// default profile.
func Load(path string) (Profile, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	p := Default()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func (p Profile) Validate() error {
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		return &entity.ConfigError{Field: "confidence_threshold", Reason: "must be in [0,1]"}
	}
	if p.MinIoU <= 0 || p.MinIoU > 1 {
		return &entity.ConfigError{Field: "min_iou", Reason: "must be in (0,1]"}
	}
	if p.MaxGap < 1 {
		return &entity.ConfigError{Field: "max_gap", Reason: "must be >= 1"}
	}
	if p.MaxRetries < 0 {
		return &entity.ConfigError{Field: "max_retries", Reason: "must be >= 0"}
	}
	return nil
}

// Defaults converts the profile into service submission defaults.
func (p Profile) Defaults() usecase.Defaults {
	return usecase.Defaults{
		ConfidenceThreshold: p.ConfidenceThreshold,
		TargetClasses:       p.TargetClasses,
		MinIoU:              p.MinIoU,
		MaxGap:              p.MaxGap,
		MaxRetries:          p.MaxRetries,
		RetryBaseDelay:      time.Duration(p.RetryBaseDelayMS) * time.Millisecond,
		FallbackEnabled:     p.FallbackEnabled,
	}
}
