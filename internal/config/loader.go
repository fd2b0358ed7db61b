package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "CHECKOUT"

// Load merges defaults, the optional YAML file at path and CHECKOUT_*
// environment variables, in that order, and validates the result.
// CHECKOUT_POLLER_MAX_ELAPSED overrides poller.max_elapsed.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, "", reflect.ValueOf(*DefaultConfig()))

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// setDefaults registers every leaf of the default config so AutomaticEnv can
// override keys that appear in no config file.
func setDefaults(v *viper.Viper, prefix string, val reflect.Value) {
	t := val.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("mapstructure")
		name, opts, _ := strings.Cut(tag, ",")
		fv := val.Field(i)

		if opts == "squash" {
			setDefaults(v, prefix, fv)
			continue
		}
		if name == "" || name == "-" {
			continue
		}
		key := prefix + name
		if fv.Kind() == reflect.Struct && fv.Type() != durationType {
			setDefaults(v, key+".", fv)
			continue
		}
		v.SetDefault(key, fv.Interface())
	}
}
