package config

// Default values shared by the loader and the generated config file.
const (
	DefaultMaxConcurrentUpdates   = 3
	DefaultMaxHighPriorityUpdates = 2
	DefaultUpdateTimeoutSeconds   = 120.0
	DefaultMaxConcurrentTasks     = 5
	DefaultResolutionMode         = "topological"
)

// DefaultConfigYAML is written by `quorum-core config init`.
const DefaultConfigYAML = `# quorum-core configuration
#
# Values not specified here use built-in defaults. Every key can also be set
# through QUORUM_CORE_<SECTION>_<KEY> environment variables.

log:
  level: info
  format: auto

router:
  queue_size: 256
  submit_timeout: 30s
  stale_after: 1h
  janitor_interval: 5m

circuits:
  failure_threshold: 5
  open_timeout: 30s
  half_open_max_requests: 1
  monitor_interval: 5s
  history_size: 100

resources:
  # Components whose failure halts bulk initialization.
  critical: [state, eventqueue]
  grace_delay: 100ms
  stop_timeout: 10s
  routed_stop_timeout: 12s

admission:
  max_concurrent_updates: 3
  max_high_priority_updates: 2
  update_timeout_seconds: 120
  # 0 waits until admitted or the caller's context is cancelled.
  acquire_timeout: "0"
  recheck_interval: 5s
  cleanup_interval: 30s

tasks:
  max_concurrent_tasks: 5
  # topological | level
  dependency_resolution_mode: topological
  retain_for: 1h

server:
  host: 127.0.0.1
  port: 8089
  # browser origins allowed to call the API; empty sends no CORS headers
  cors_origins: []
  # run task commands submitted over HTTP through sh -c
  allow_commands: false

store:
  # sqlite | memory
  backend: sqlite
  path: .quorum-core/state.db
`
