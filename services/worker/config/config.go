package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/Kandimus/FreeDistributedBuild/internal/capacity"
)

// Config holds typed configuration for the worker daemon.
type Config struct {
	LogLevel string
	LogFile  string

	Projects []capacity.Project
	// WorkBegin and WorkEnd bound the "bath" window as HH:MM.
	WorkBegin string
	WorkEnd   string
	// Bath and Default are the percent of available threads offered inside
	// and outside the window.
	Bath    float64
	Default float64

	MetricsAddr     string
	OTelEndpoint    string
	OTelSampleRatio float64
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		LogLevel:     v.GetString("log_level"),
		LogFile:      v.GetString("log_file"),
		WorkBegin:    v.GetString("work_begin"),
		WorkEnd:      v.GetString("work_end"),
		Bath:         v.GetFloat64("bath"),
		Default:      v.GetFloat64("default"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		OTelSampleRatio: 1,
	}
	if v.IsSet("otel_sample_ratio") {
		cfg.OTelSampleRatio = v.GetFloat64("otel_sample_ratio")
	}
	if err := v.UnmarshalKey("projects", &cfg.Projects); err != nil {
		return Config{}, fmt.Errorf("projects: %w", err)
	}
	return cfg, nil
}

// Capacity is the capacity policy part of the configuration.
func (c Config) Capacity() capacity.Config {
	return capacity.Config{
		Projects: c.Projects,
		Begin:    c.WorkBegin,
		End:      c.WorkEnd,
		Bath:     c.Bath,
		Default:  c.Default,
	}
}
