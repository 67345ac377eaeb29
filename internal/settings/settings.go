package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/lychee-technology/cardbase"
	"github.com/spf13/viper"
)

const envPrefix = "CARDBASE"

// Load layers defaults, an optional config file and CARDBASE_*
// environment variables, in that order of precedence. Nested keys map to
// variables with dots replaced by underscores, e.g.
// CARDBASE_DATABASE_HOST or CARDBASE_QUERY_STATEMENTTIMEOUT=30s.
func Load(configFile, envFile string) (*cardbase.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults, err := flattenConfig(cardbase.DefaultConfig())
	if err != nil {
		return nil, err
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg := &cardbase.Config{}
	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "json"
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// flattenConfig renders cfg as dotted keys so every setting is known to
// viper and can be overridden from the environment.
func flattenConfig(cfg *cardbase.Config) (map[string]any, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("decode default config: %w", err)
	}
	out := map[string]any{}
	flattenInto(out, "", tree)
	return out, nil
}

func flattenInto(out map[string]any, prefix string, tree map[string]any) {
	for key, value := range tree {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			flattenInto(out, full, nested)
			continue
		}
		out[full] = value
	}
}
