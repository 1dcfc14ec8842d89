package cli

const defaultWorkerYAML = `# FreeDistributedBuild worker config
# Priority: CLI flag > this file > default.

log_level: "info"             # debug | info | warn | error
# log_file: "/var/log/fdb/worker.log"

# Projects this machine can build. path is the checkout, work_dir is where
# task files are written (default: the system temp dir).
projects:
  - name: "game"
    path: "/home/build/game"
    work_dir: "/tmp/fdb/game"

# Offer bath% of the available threads between work_begin and work_end,
# default% the rest of the day. Three threads are always kept back.
work_begin: "09:00"
work_end:   "18:00"
bath:       50
default:    100

metrics_addr: ":9091"
# otel_endpoint: "localhost:4318"  # uncomment to enable OpenTelemetry tracing
# otel_sample_ratio: 1.0
`
