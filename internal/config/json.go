package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/sessionkit/internal/flagx"
	"github.com/dmitrijs2005/sessionkit/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. It relies on
// timex.Duration so JSON can specify intervals either as strings like "5s" or
// as integer nanoseconds. After parsing, values are copied into the runtime
// Config (which uses time.Duration).
type JsonConfig struct {
	APIOrigin        string         `json:"api_origin"`
	DatabaseDSN      string         `json:"database_dsn"`
	StartupGrace     timex.Duration `json:"startup_grace"`
	WatchdogMaxSleep timex.Duration `json:"watchdog_max_sleep"`
}

// parseJson overlays cfg with values loaded from the JSON file named by the
// -c/-config flag. When the flag is absent, nothing is loaded. Only non-zero
// JSON fields overwrite the current values, so defaults survive a partial file.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.APIOrigin != "" {
		cfg.APIOrigin = jc.APIOrigin
	}
	if jc.DatabaseDSN != "" {
		cfg.DatabaseDSN = jc.DatabaseDSN
	}
	if jc.StartupGrace.Duration != 0 {
		cfg.StartupGrace = time.Duration(jc.StartupGrace.Duration)
	}
	if jc.WatchdogMaxSleep.Duration != 0 {
		cfg.WatchdogMaxSleep = time.Duration(jc.WatchdogMaxSleep.Duration)
	}
}
