package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LoadProfile reads profile_<name>.yaml from the profiles directory.
func LoadProfile(profilesDir, name string) (*Profile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))
	return LoadFile(path)
}

// LoadFile reads, validates and decodes one profile, then applies
// environment overrides.
func LoadFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	profile, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	applyEnv(profile)
	return profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in the directory, keyed by
// profile name.
func LoadAllProfiles(profilesDir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}
	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		profile, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		profiles[profile.Name] = profile
	}
	return profiles, nil
}

// applyEnv lets deployment environments override persistence and pacing
// without editing the published profile. Protocol parameters (weights,
// schedule, thresholds) deliberately have no env override: those are
// committed into the session's protocol hash.
func applyEnv(p *Profile) {
	if v := os.Getenv("MIMICPROOF_SEED"); v != "" {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			p.Seed = seed
		}
	}
	if v := os.Getenv("MIMICPROOF_DB_PATH"); v != "" {
		p.Store.SQLitePath = v
	}
	if v := os.Getenv("MIMICPROOF_ARCHIVE_DIR"); v != "" {
		p.Store.ArchiveDir = v
	}
	if v := os.Getenv("MIMICPROOF_S3_BUCKET"); v != "" {
		p.Store.S3Bucket = v
	}
	if v := os.Getenv("MIMICPROOF_S3_ENDPOINT"); v != "" {
		p.Store.S3Endpoint = v
	}
	if v := os.Getenv("MIMICPROOF_STEPS_PER_SECOND"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			p.StepsPerSecond = rate
		}
	}
}
