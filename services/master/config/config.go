package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kandimus/FreeDistributedBuild/internal/vars"
)

// Config holds typed configuration for the master.
type Config struct {
	LogLevel string
	LogFile  string

	BuildSet   string
	SourceDir  string
	OutputDir  string
	WorkDir    string
	SourceFile string
	OutputFile string

	ListenAddr string
	Wait       time.Duration
	Tick       time.Duration

	Local      bool
	Workers    int
	ProjectDir string

	// Empty values disable the matching sink.
	RedisAddr    string
	PostgresDSN  string
	KafkaBrokers string
	WebhookURL   string

	MetricsAddr  string
	APIAddr      string
	GRPCAddr     string
	APIRateLimit int
	OTelEndpoint string

	// OTelSampleRatio is the share of jobs traced, 1 when unset.
	OTelSampleRatio float64

	Cron string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		LogFile:      v.GetString("log_file"),
		BuildSet:     v.GetString("build_set"),
		SourceDir:    v.GetString("sdir"),
		OutputDir:    v.GetString("odir"),
		WorkDir:      v.GetString("wdir"),
		SourceFile:   v.GetString("sfile"),
		OutputFile:   v.GetString("ofile"),
		ListenAddr:   v.GetString("listen_addr"),
		Wait:         v.GetDuration("wait"),
		Tick:         v.GetDuration("tick"),
		Local:        v.GetBool("local"),
		Workers:      v.GetInt("workers"),
		ProjectDir:   v.GetString("project_dir"),
		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		WebhookURL:   v.GetString("webhook_url"),
		MetricsAddr:  v.GetString("metrics_addr"),
		APIAddr:      v.GetString("api_addr"),
		GRPCAddr:     v.GetString("grpc_addr"),
		APIRateLimit: v.GetInt("api_rate_limit"),
		OTelEndpoint: v.GetString("otel_endpoint"),
		Cron:         v.GetString("cron"),

		OTelSampleRatio: sampleRatio(v),
	}
}

func sampleRatio(v *viper.Viper) float64 {
	if !v.IsSet("otel_sample_ratio") {
		return 1
	}
	return v.GetFloat64("otel_sample_ratio")
}

// Vars is the placeholder set the build set is expanded with.
func (c Config) Vars() vars.Set {
	return vars.Set{
		SourceDir: c.SourceDir,
		OutputDir: c.OutputDir,
		WorkDir:   c.WorkDir,
		SFile:     c.SourceFile,
		OFile:     c.OutputFile,
	}
}

// Brokers splits KafkaBrokers on commas. Nil when unset.
func (c Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
