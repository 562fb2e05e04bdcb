package providers

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// profilesFile is the on-disk shape of a provider profiles override file:
//
//	providers:
//	  stream_json:
//	    command: /usr/local/bin/claude
//	  acp_a:
//	    args: ["--experimental-acp", "--proxy", "http://127.0.0.1:8118"]
type profilesFile struct {
	Providers map[string]Profile `yaml:"providers"`
}

// Profiles maps each provider to its effective launch profile.
type Profiles map[Provider]Profile

// DefaultProfiles returns the built-in profile set.
func DefaultProfiles() Profiles {
	out := make(Profiles, len(All()))
	for _, p := range All() {
		out[p] = DefaultProfile(p)
	}
	return out
}

// LoadProfiles reads a YAML overrides file and merges it over the built-in
// defaults. An empty path returns the defaults unchanged.
func LoadProfiles(path string) (Profiles, error) {
	out := DefaultProfiles()
	if path == "" {
		return out, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider profiles: %w", err)
	}

	var file profilesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse provider profiles: %w", err)
	}

	for name, override := range file.Providers {
		p, err := Parse(name)
		if err != nil {
			return nil, fmt.Errorf("provider profiles: %w", err)
		}
		out[p] = out[p].merge(override)
	}
	return out, nil
}
