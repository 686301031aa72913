// Package config loads small process-lifetime configuration structs from
// environment variables via viper. It is deliberately env-only (no file
// hot-reload), since this library's configuration is a handful of
// durations and limits, not a multi-service application config tree.
package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Load populates target (a pointer to a struct with `mapstructure` tags)
// from environment variables prefixed with envPrefix, falling back to the
// entries in defaults for any key the environment does not set. Dotted
// keys (as used by mapstructure for nested structs) are translated to
// underscores for the environment lookup, e.g. "scavenger.interval" reads
// from <PREFIX>_SCAVENGER_INTERVAL.
func Load(envPrefix string, defaults map[string]any, target any) error {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v.Unmarshal(target)
}
