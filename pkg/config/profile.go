// Package config loads protocol profiles: the published parameter sets a
// challenge session runs under. Profiles are YAML, validated against a JSON
// schema before use, and carry a protocol version gated by semver so a
// harness never silently runs a profile written for a different protocol.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/mimicproof/core/pkg/closure"
	"github.com/mimicproof/core/pkg/ledger"
	"github.com/mimicproof/core/pkg/oracle"
	"github.com/mimicproof/core/pkg/orchestrator"
	"github.com/mimicproof/core/pkg/stress"
)

// SupportedProtocol is the semver constraint this build accepts.
const SupportedProtocol = ">=1.0.0 <2.0.0"

// Profile is a named, versioned protocol parameter set.
type Profile struct {
	Name            string  `yaml:"name" json:"name"`
	ProtocolVersion string  `yaml:"protocol_version" json:"protocol_version"`
	Steps           uint64  `yaml:"steps" json:"steps"`
	Seed            int64   `yaml:"seed,omitempty" json:"seed,omitempty"`
	StepTimeoutMs   int     `yaml:"step_timeout_ms,omitempty" json:"step_timeout_ms,omitempty"`
	StepRetries     int     `yaml:"step_retries,omitempty" json:"step_retries,omitempty"`
	StepsPerSecond  float64 `yaml:"steps_per_second,omitempty" json:"steps_per_second,omitempty"`
	MatchTolerance  float64 `yaml:"match_tolerance,omitempty" json:"match_tolerance,omitempty"`

	Weights WeightsConfig `yaml:"weights,omitempty" json:"weights,omitempty"`
	Ledger  LedgerConfig  `yaml:"ledger,omitempty" json:"ledger,omitempty"`
	Closure ClosureConfig `yaml:"closure,omitempty" json:"closure,omitempty"`
	Oracle  OracleConfig  `yaml:"oracle,omitempty" json:"oracle,omitempty"`
	Stress  StressConfig  `yaml:"stress,omitempty" json:"stress,omitempty"`
	Store   StoreConfig   `yaml:"store,omitempty" json:"store,omitempty"`
}

// WeightsConfig is the published verdict weighting.
type WeightsConfig struct {
	Closure  float64 `yaml:"closure" json:"closure"`
	Stress   float64 `yaml:"stress" json:"stress"`
	Diagonal float64 `yaml:"diagonal" json:"diagonal"`
	MDL      float64 `yaml:"mdl" json:"mdl"`
}

// LedgerConfig tunes the commitment ledger.
type LedgerConfig struct {
	MinRevealDelay uint64 `yaml:"min_reveal_delay,omitempty" json:"min_reveal_delay,omitempty"`
	DeferBudget    int    `yaml:"defer_budget,omitempty" json:"defer_budget,omitempty"`
}

// ClosureConfig tunes the self-closure verifier.
type ClosureConfig struct {
	CheckDelta    uint64  `yaml:"check_delta,omitempty" json:"check_delta,omitempty"`
	FailThreshold float64 `yaml:"fail_threshold,omitempty" json:"fail_threshold,omitempty"`
}

// OracleConfig tunes diagonal querying.
type OracleConfig struct {
	Queries         int     `yaml:"queries,omitempty" json:"queries,omitempty"`
	MinStep         uint64  `yaml:"min_step,omitempty" json:"min_step,omitempty"`
	MinPassFraction float64 `yaml:"min_pass_fraction,omitempty" json:"min_pass_fraction,omitempty"`
}

// WindowConfig is one stress window.
type WindowConfig struct {
	Kind       string  `yaml:"kind" json:"kind"`
	Onset      uint64  `yaml:"onset" json:"onset"`
	Duration   uint64  `yaml:"duration" json:"duration"`
	Capability string  `yaml:"capability,omitempty" json:"capability,omitempty"`
	Factor     float64 `yaml:"factor,omitempty" json:"factor,omitempty"`
}

// StressConfig is the declared stress schedule and invariant parameters.
type StressConfig struct {
	Windows         []WindowConfig `yaml:"windows,omitempty" json:"windows,omitempty"`
	RecoveryTail    uint64         `yaml:"recovery_tail,omitempty" json:"recovery_tail,omitempty"`
	BaselineSteps   uint64         `yaml:"baseline_steps,omitempty" json:"baseline_steps,omitempty"`
	ErrorTolerance  float64        `yaml:"error_tolerance,omitempty" json:"error_tolerance,omitempty"`
	SlopeTolerance  float64        `yaml:"slope_tolerance,omitempty" json:"slope_tolerance,omitempty"`
	ReboundFraction float64        `yaml:"rebound_fraction,omitempty" json:"rebound_fraction,omitempty"`
}

// StoreConfig points at session persistence.
type StoreConfig struct {
	SQLitePath string `yaml:"sqlite_path,omitempty" json:"sqlite_path,omitempty"`
	ArchiveDir string `yaml:"archive_dir,omitempty" json:"archive_dir,omitempty"`
	S3Bucket   string `yaml:"s3_bucket,omitempty" json:"s3_bucket,omitempty"`
	S3Region   string `yaml:"s3_region,omitempty" json:"s3_region,omitempty"`
	S3Endpoint string `yaml:"s3_endpoint,omitempty" json:"s3_endpoint,omitempty"`
	S3Prefix   string `yaml:"s3_prefix,omitempty" json:"s3_prefix,omitempty"`
}

// Parse validates and decodes a YAML profile.
func Parse(data []byte) (*Profile, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("config: decode profile: %w", err)
	}
	if err := profile.checkVersion(); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (p *Profile) checkVersion() error {
	constraint, err := semver.NewConstraint(SupportedProtocol)
	if err != nil {
		return err
	}
	version, err := semver.NewVersion(p.ProtocolVersion)
	if err != nil {
		return fmt.Errorf("config: profile %q has invalid protocol version %q: %w", p.Name, p.ProtocolVersion, err)
	}
	if !constraint.Check(version) {
		return fmt.Errorf("config: profile %q requires protocol %s, this build supports %s",
			p.Name, p.ProtocolVersion, SupportedProtocol)
	}
	return nil
}

// Orchestrator maps the profile onto a session config. Zero-valued fields
// fall through to the orchestrator's defaults.
func (p *Profile) Orchestrator() (orchestrator.Config, error) {
	windows := make([]stress.Window, len(p.Stress.Windows))
	for i, w := range p.Stress.Windows {
		kind, err := windowKind(w.Kind)
		if err != nil {
			return orchestrator.Config{}, err
		}
		windows[i] = stress.Window{
			Kind:       kind,
			Onset:      w.Onset,
			Duration:   w.Duration,
			Capability: w.Capability,
			Factor:     w.Factor,
		}
	}

	return orchestrator.Config{
		Steps:          p.Steps,
		Seed:           p.Seed,
		StepTimeout:    time.Duration(p.StepTimeoutMs) * time.Millisecond,
		StepRetries:    p.StepRetries,
		StepsPerSecond: p.StepsPerSecond,
		MatchTolerance: p.MatchTolerance,
		Weights: orchestrator.Weights{
			Closure:  p.Weights.Closure,
			Stress:   p.Weights.Stress,
			Diagonal: p.Weights.Diagonal,
			MDL:      p.Weights.MDL,
		},
		Ledger: ledger.Config{
			MinRevealDelay: p.Ledger.MinRevealDelay,
			DeferBudget:    p.Ledger.DeferBudget,
		},
		Closure: closure.Config{
			CheckDelta:    p.Closure.CheckDelta,
			FailThreshold: p.Closure.FailThreshold,
		},
		Oracle: oracle.Config{
			Queries:         p.Oracle.Queries,
			MinStep:         p.Oracle.MinStep,
			MinPassFraction: p.Oracle.MinPassFraction,
		},
		Stress: stress.Schedule{
			Windows:         windows,
			RecoveryTail:    p.Stress.RecoveryTail,
			BaselineSteps:   p.Stress.BaselineSteps,
			ErrorTolerance:  p.Stress.ErrorTolerance,
			SlopeTolerance:  p.Stress.SlopeTolerance,
			ReboundFraction: p.Stress.ReboundFraction,
		},
	}, nil
}

func windowKind(kind string) (stress.Kind, error) {
	switch strings.ToUpper(kind) {
	case string(stress.MaskInputs):
		return stress.MaskInputs, nil
	case string(stress.RandomizeParam):
		return stress.RandomizeParam, nil
	case string(stress.AblateCapability):
		return stress.AblateCapability, nil
	}
	return "", fmt.Errorf("config: unknown window kind %q", kind)
}

const schemaURL = "https://mimicproof.schemas.local/profile.schema.json"

const profileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "protocol_version", "steps"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "protocol_version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+"},
    "steps": {"type": "integer", "minimum": 1},
    "seed": {"type": "integer"},
    "step_timeout_ms": {"type": "integer", "minimum": 0},
    "step_retries": {"type": "integer", "minimum": 0},
    "steps_per_second": {"type": "number", "minimum": 0},
    "match_tolerance": {"type": "number", "minimum": 0},
    "weights": {
      "type": "object",
      "properties": {
        "closure": {"type": "number", "minimum": 0},
        "stress": {"type": "number", "minimum": 0},
        "diagonal": {"type": "number", "minimum": 0},
        "mdl": {"type": "number", "minimum": 0}
      }
    },
    "ledger": {
      "type": "object",
      "properties": {
        "min_reveal_delay": {"type": "integer", "minimum": 0},
        "defer_budget": {"type": "integer", "minimum": 0}
      }
    },
    "closure": {
      "type": "object",
      "properties": {
        "check_delta": {"type": "integer", "minimum": 1},
        "fail_threshold": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "oracle": {
      "type": "object",
      "properties": {
        "queries": {"type": "integer", "minimum": 1},
        "min_step": {"type": "integer", "minimum": 1},
        "min_pass_fraction": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "stress": {
      "type": "object",
      "properties": {
        "windows": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["kind", "onset", "duration"],
            "properties": {
              "kind": {"enum": ["MASK_INPUTS", "RANDOMIZE_PARAM", "ABLATE_CAPABILITY"]},
              "onset": {"type": "integer", "minimum": 1},
              "duration": {"type": "integer", "minimum": 1},
              "capability": {"type": "string"},
              "factor": {"type": "number", "exclusiveMinimum": 0, "maximum": 1}
            }
          }
        },
        "recovery_tail": {"type": "integer", "minimum": 1},
        "baseline_steps": {"type": "integer", "minimum": 1},
        "error_tolerance": {"type": "number", "exclusiveMinimum": 0},
        "slope_tolerance": {"type": "number", "exclusiveMinimum": 0},
        "rebound_fraction": {"type": "number", "exclusiveMinimum": 0, "maximum": 1}
      }
    },
    "store": {
      "type": "object",
      "properties": {
        "sqlite_path": {"type": "string"},
        "archive_dir": {"type": "string"},
        "s3_bucket": {"type": "string"},
        "s3_region": {"type": "string"},
        "s3_endpoint": {"type": "string"},
        "s3_prefix": {"type": "string"}
      }
    }
  },
  "additionalProperties": false
}`

func validateSchema(raw interface{}) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(profileSchema)); err != nil {
		return fmt.Errorf("config: schema load failed: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("config: schema compile failed: %w", err)
	}
	if err := schema.Validate(normalizeYAML(raw)); err != nil {
		return fmt.Errorf("config: profile invalid: %w", err)
	}
	return nil
}

// normalizeYAML converts yaml.v3 decoding artifacts into the shapes the
// schema validator expects.
func normalizeYAML(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
