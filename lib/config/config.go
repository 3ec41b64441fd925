// Package config loads the on-disk YAML configuration tree into a
// policy.RawConfig, the boundary format policy.NewStore and
// policy.Store.Reload validate against.
package config

import (
	"os"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/galti3r/s5/lib/policy"
)

// Load reads and parses the YAML file at path into a policy.RawConfig.
// Unknown fields are rejected so a typo in the config file surfaces at
// load time rather than silently resolving to a zero value.
func Load(path string) (policy.RawConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return policy.RawConfig{}, trace.Wrap(err, "opening config file %q", path)
	}
	defer f.Close()

	var raw policy.RawConfig
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return policy.RawConfig{}, trace.Wrap(err, "parsing config file %q", path)
	}
	return raw, nil
}

// LoadStore reads path and builds a validated policy.Store from it,
// the common case for process startup (§4.1).
func LoadStore(path string) (*policy.Store, error) {
	raw, err := Load(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	store, err := policy.NewStore(raw)
	if err != nil {
		return nil, trace.Wrap(err, "validating config file %q", path)
	}
	return store, nil
}
