package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TenantProfile is a per-tenant settlement configuration profile. It seeds
// the tenant-default contract and caps what customer contracts may set.
type TenantProfile struct {
	Name       string           `yaml:"name" json:"name"`
	Code       string           `yaml:"code" json:"code"`
	Defaults   DefaultsConfig   `yaml:"defaults" json:"defaults"`
	Limits     LimitsConfig     `yaml:"limits" json:"limits"`
	Currencies CurrenciesConfig `yaml:"currencies" json:"currencies"`
}

// DefaultsConfig holds the tenant-default contract policies.
type DefaultsConfig struct {
	PlatformFeeBps     int `yaml:"platform_fee_bps" json:"platform_fee_bps"`
	CoverageBps        int `yaml:"coverage_bps" json:"coverage_bps"`
	DisputeWindowHours int `yaml:"dispute_window_hours" json:"dispute_window_hours"`
}

// LimitsConfig caps commit throughput and contract terms for a tenant.
type LimitsConfig struct {
	CommitsPerSecond  float64 `yaml:"commits_per_second" json:"commits_per_second"`
	CommitBurst       int     `yaml:"commit_burst" json:"commit_burst"`
	MaxPlatformFeeBps int     `yaml:"max_platform_fee_bps" json:"max_platform_fee_bps"`
	MaxCoverageBps    int     `yaml:"max_coverage_bps" json:"max_coverage_bps"`
}

// CurrenciesConfig restricts which currencies a tenant may settle in.
type CurrenciesConfig struct {
	Allowed []string `yaml:"allowed" json:"allowed"`
	Default string   `yaml:"default" json:"default"`
}

// LoadProfile loads a tenant profile YAML by tenant code. It searches the
// profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*TenantProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile TenantProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}
	if profile.Code == "" {
		profile.Code = code
	}
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("profile %q: %w", code, err)
	}
	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*TenantProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*TenantProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var profile TenantProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Code == "" {
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		if err := profile.Validate(); err != nil {
			return nil, fmt.Errorf("profile %s: %w", path, err)
		}
		profiles[profile.Code] = &profile
	}
	return profiles, nil
}

// Validate rejects profiles whose shares cannot be settled.
func (p *TenantProfile) Validate() error {
	if p.Defaults.PlatformFeeBps < 0 || p.Defaults.PlatformFeeBps > 10000 {
		return fmt.Errorf("platform_fee_bps %d out of range [0,10000]", p.Defaults.PlatformFeeBps)
	}
	if p.Defaults.CoverageBps < 0 || p.Defaults.CoverageBps > 10000 {
		return fmt.Errorf("coverage_bps %d out of range [0,10000]", p.Defaults.CoverageBps)
	}
	if p.Defaults.DisputeWindowHours < 0 {
		return fmt.Errorf("dispute_window_hours %d negative", p.Defaults.DisputeWindowHours)
	}
	if p.Limits.MaxPlatformFeeBps > 0 && p.Defaults.PlatformFeeBps > p.Limits.MaxPlatformFeeBps {
		return fmt.Errorf("default platform fee %d exceeds tenant cap %d",
			p.Defaults.PlatformFeeBps, p.Limits.MaxPlatformFeeBps)
	}
	return nil
}

// AllowsCurrency checks a currency against the tenant allowlist. An empty
// allowlist permits everything.
func (p *TenantProfile) AllowsCurrency(currency string) bool {
	if len(p.Currencies.Allowed) == 0 {
		return true
	}
	for _, c := range p.Currencies.Allowed {
		if c == currency {
			return true
		}
	}
	return false
}
