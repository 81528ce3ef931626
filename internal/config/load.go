package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads the YAML document at path (plus environment overrides under
// the GATEWAY_ prefix, teacher's env-var idiom generalized), and returns a
// validated Snapshot. Unlike a process-global loader, this never
// mutates process-global state — the caller installs the result into a
// Manager.
func Load(path string) (*Snapshot, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %q: %w", path, err)
	}

	return Validate(&cfg)
}
