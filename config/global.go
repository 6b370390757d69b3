package config

import "fmt"

// Throttle represents the parsed RPC admission limits.
type Throttle struct {
	MutationsPerMinute int
}

// RPCThrottle parses the configured quota into runtime values. A zero quota
// keeps the server default.
func (c *Config) RPCThrottle() (Throttle, error) {
	if c == nil {
		return Throttle{}, fmt.Errorf("config: nil configuration")
	}
	if c.Quota.MutationsPerMinute < 0 {
		return Throttle{}, fmt.Errorf("invalid Quota.MutationsPerMinute: must not be negative")
	}
	return Throttle{MutationsPerMinute: c.Quota.MutationsPerMinute}, nil
}
