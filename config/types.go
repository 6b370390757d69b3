package config

// Log controls structured log output and optional on-disk rotation. A blank
// File keeps logging on stdout only.
type Log struct {
	Environment string
	File        string
	MaxSizeMB   int
	MaxBackups  int
	MaxAgeDays  int
	Compress    bool
}

// Telemetry wires the optional OTLP exporters. A blank Endpoint falls back to
// the collector default.
type Telemetry struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	// Headers holds comma-separated key=value pairs forwarded to the
	// collector, typically authentication tokens.
	Headers     string
	Metrics     bool
	Traces      bool
	SampleRatio float64
}

// Quota defines operator-tunable admission limits for the RPC endpoint.
type Quota struct {
	// MutationsPerMinute caps state-changing calls per source address.
	// Zero keeps the server default.
	MutationsPerMinute int
}
