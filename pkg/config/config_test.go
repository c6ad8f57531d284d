package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimicproof/core/pkg/stress"
)

const validProfile = `
name: reference
protocol_version: 1.2.0
steps: 100
seed: 42
step_timeout_ms: 500
match_tolerance: 0.05
weights:
  closure: 0.25
  stress: 0.35
  diagonal: 0.2
  mdl: 0.2
ledger:
  min_reveal_delay: 3
  defer_budget: 2
closure:
  check_delta: 3
  fail_threshold: 0.5
oracle:
  queries: 5
  min_step: 60
  min_pass_fraction: 0.6
stress:
  windows:
    - kind: RANDOMIZE_PARAM
      onset: 30
      duration: 5
      factor: 0.05
    - kind: ABLATE_CAPABILITY
      onset: 60
      duration: 11
      capability: closure
      factor: 0.05
  recovery_tail: 5
  error_tolerance: 0.1
store:
  sqlite_path: sessions.db
  archive_dir: bundles
`

func TestParseValidProfile(t *testing.T) {
	p, err := Parse([]byte(validProfile))
	require.NoError(t, err)
	assert.Equal(t, "reference", p.Name)
	assert.Equal(t, uint64(100), p.Steps)
	assert.Equal(t, 2, p.Ledger.DeferBudget)
	require.Len(t, p.Stress.Windows, 2)
	assert.Equal(t, "closure", p.Stress.Windows[1].Capability)
}

func TestParseRejectsUnsupportedProtocol(t *testing.T) {
	bad := []byte(`
name: future
protocol_version: 2.0.0
steps: 10
`)
	_, err := Parse(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "supports")
}

func TestParseRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"missing steps": `
name: x
protocol_version: 1.0.0
`,
		"zero steps": `
name: x
protocol_version: 1.0.0
steps: 0
`,
		"unknown window kind": `
name: x
protocol_version: 1.0.0
steps: 10
stress:
  windows:
    - kind: EXPLODE
      onset: 3
      duration: 2
`,
		"unknown top-level key": `
name: x
protocol_version: 1.0.0
steps: 10
surprise: true
`,
		"factor above one": `
name: x
protocol_version: 1.0.0
steps: 10
stress:
  windows:
    - kind: MASK_INPUTS
      onset: 3
      duration: 2
      factor: 2.0
`,
	}
	for name, yaml := range cases {
		_, err := Parse([]byte(yaml))
		assert.Error(t, err, name)
	}
}

func TestOrchestratorMapping(t *testing.T) {
	p, err := Parse([]byte(validProfile))
	require.NoError(t, err)

	cfg, err := p.Orchestrator()
	require.NoError(t, err)
	assert.Equal(t, uint64(100), cfg.Steps)
	assert.Equal(t, int64(42), cfg.Seed)
	assert.Equal(t, 500*time.Millisecond, cfg.StepTimeout)
	assert.Equal(t, 0.35, cfg.Weights.Stress)
	assert.Equal(t, uint64(3), cfg.Ledger.MinRevealDelay)
	require.Len(t, cfg.Stress.Windows, 2)
	assert.Equal(t, stress.AblateCapability, cfg.Stress.Windows[1].Kind)
	require.NoError(t, cfg.Stress.Validate(cfg.Steps))
}

func TestLoadProfileFromDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile_reference.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validProfile), 0o644))

	p, err := LoadProfile(dir, "REFERENCE")
	require.NoError(t, err)
	assert.Equal(t, "reference", p.Name)

	all, err := LoadAllProfiles(dir)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Contains(t, all, "reference")
}

func TestEnvOverridesDeploymentKnobs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile_reference.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validProfile), 0o644))

	t.Setenv("MIMICPROOF_DB_PATH", "/var/lib/mimicproof/sessions.db")
	t.Setenv("MIMICPROOF_SEED", "99")

	p, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/mimicproof/sessions.db", p.Store.SQLitePath)
	assert.Equal(t, int64(99), p.Seed)
}
