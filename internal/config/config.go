package config

import "time"

// Config holds runtime settings for the session core.
//
// Fields:
//   - APIOrigin: base URL of the backend API (scheme + host), used both for the
//     profile fetch and to derive the push-channel endpoint.
//   - DatabaseDSN: path/DSN of the local sqlite database holding credentials.
//   - StartupGrace: how long the loading flag may stay raised after start
//     before it is forcibly cleared.
//   - WatchdogMaxSleep: upper bound on a single expiry-watchdog sleep.
//
// Units: StartupGrace and WatchdogMaxSleep are time.Durations.
type Config struct {
	APIOrigin        string
	DatabaseDSN      string
	StartupGrace     time.Duration
	WatchdogMaxSleep time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.APIOrigin = "http://127.0.0.1:8000"
	c.DatabaseDSN = "session.db"
	c.StartupGrace = 5 * time.Second
	c.WatchdogMaxSleep = time.Hour
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
