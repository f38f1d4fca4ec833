package config

import (
	"github.com/spf13/viper"
)

// OverrideSource supplies authoritative process-wide values.
type OverrideSource interface {
	Lookup(key string) (string, bool)
}

type envOverrides struct {
	v *viper.Viper
}

func (o *envOverrides) Lookup(key string) (string, bool) {
	if !o.v.IsSet(key) {
		return "", false
	}
	return o.v.GetString(key), true
}

// NewEnvOverrides reads overrides from the process environment. An optional
// prefix is prepended to every key, so prefix "IDENTCORE" maps
// ACCESS_TOKEN_TTL to IDENTCORE_ACCESS_TOKEN_TTL.
func NewEnvOverrides(prefix string, keys []Key) OverrideSource {
	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.AllowEmptyEnv(false)
	for _, k := range keys {
		v.BindEnv(k.Name)
	}
	return &envOverrides{v: v}
}

// MapOverrides is a static override source.
type MapOverrides map[string]string

func (m MapOverrides) Lookup(key string) (string, bool) {
	val, ok := m[key]
	return val, ok
}
