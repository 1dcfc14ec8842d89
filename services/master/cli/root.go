package cli

import (
	"os"

	"github.com/spf13/viper"

	"github.com/Kandimus/FreeDistributedBuild/internal/cliutil"
)

var program = &cliutil.Program{
	Name:     "master",
	Short:    "FreeDistributedBuild master: spreads a build set over the workers on the network",
	Defaults: defaultMasterYAML,
}

var rootCmd = program.Root()

// Execute is the entry point called from cmd/master/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Sink addresses are persistent so that migrate and watch see them too.
func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("redis-addr", "", "Redis address for the live status mirror; empty disables it")
	pf.String("postgres-dsn", "", "PostgreSQL DSN for build history; empty disables it")
	pf.String("kafka-brokers", "", "comma-separated Kafka brokers for build events; empty disables them")
	pf.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	for key, flag := range map[string]string{
		"redis_addr":    "redis-addr",
		"postgres_dsn":  "postgres-dsn",
		"kafka_brokers": "kafka-brokers",
		"otel_endpoint": "otel-endpoint",
	} {
		cliutil.BindFlag(key, pf, flag)
	}
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	rootCmd.AddCommand(runCmd, scheduleCmd, migrateCmd, watchCmd)
}
