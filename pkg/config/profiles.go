package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// MachineProfile describes one machine cell's physical envelope. Specs
// name a profile; plans and feasibility run against its limits.
type MachineProfile struct {
	ID            string   `yaml:"id" json:"id"`
	Name          string   `yaml:"name" json:"name"`
	Kind          string   `yaml:"kind" json:"kind"`
	MaxRPM        float64  `yaml:"max_rpm" json:"max_rpm"`
	MaxFeedMmMin  float64  `yaml:"max_feed_mm_min" json:"max_feed_mm_min"`
	MaxCutDepthMm float64  `yaml:"max_cut_depth_mm" json:"max_cut_depth_mm"`
	TableLengthMm float64  `yaml:"table_length_mm" json:"table_length_mm"`
	SafeZMm       float64  `yaml:"safe_z_mm" json:"safe_z_mm"`
	BladeIDs      []string `yaml:"blade_ids,omitempty" json:"blade_ids,omitempty"`
}

// Validate rejects profiles that cannot bound a cut.
func (p *MachineProfile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("config: machine profile has no id")
	}
	if p.MaxRPM <= 0 || p.MaxFeedMmMin <= 0 {
		return fmt.Errorf("config: machine profile %s has non-positive limits", p.ID)
	}
	return nil
}

// LoadMachineProfile loads profile_<id>.yaml from the profiles
// directory.
func LoadMachineProfile(dir, id string) (*MachineProfile, error) {
	path := filepath.Join(dir, fmt.Sprintf("profile_%s.yaml", strings.ToLower(id)))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load machine profile %q: %w", id, err)
	}
	var profile MachineProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("config: parse machine profile %q: %w", id, err)
	}
	if profile.ID == "" {
		profile.ID = strings.ToUpper(id)
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &profile, nil
}

// LoadAllMachineProfiles loads every profile_*.yaml in the directory,
// keyed by profile id.
func LoadAllMachineProfiles(dir string) (map[string]*MachineProfile, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}
	profiles := make(map[string]*MachineProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		var profile MachineProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		if profile.ID == "" {
			base := filepath.Base(path)
			profile.ID = strings.ToUpper(strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml"))
		}
		if err := profile.Validate(); err != nil {
			return nil, err
		}
		profiles[profile.ID] = &profile
	}
	return profiles, nil
}
