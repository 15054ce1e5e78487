// Package config loads the declarative documents the orchestrator
// consumes (infrastructure and test plan; the base workload is decoded
// as part of the test plan) and merges a base workload with a
// variant's overrides into a stable workload artefact. It decodes
// structure only; schema validation happens at the boundary, so the
// Load functions only report decode errors, not semantic ones.
package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/cuemby/pulsarbench/pkg/errors"
	"github.com/cuemby/pulsarbench/pkg/types"
	"gopkg.in/yaml.v3"
)

// HostGroup declares how many hosts of a given type to provision for
// one role.
type HostGroup struct {
	Role     types.Role `yaml:"role"`
	Count    int        `yaml:"count"`
	HostType string     `yaml:"host_type"`
}

// Infrastructure is the declarative shape of the fleet to provision.
type Infrastructure struct {
	ClusterName    string            `yaml:"cluster_name"`
	Region         string            `yaml:"region"`
	Hosts          []HostGroup       `yaml:"hosts"`
	StorageVolumeGB int              `yaml:"storage_volume_gb"`
	Tags           map[string]string `yaml:"tags"`
}

// TestPlan is the declarative test matrix: a base workload, an
// ordered list of variants, and an optional plateau policy.
type TestPlan struct {
	Name     string              `yaml:"name"`
	Base     types.Workload      `yaml:"base_workload"`
	Variants []VariantDoc        `yaml:"variants"`
	Plateau  *types.PlateauPolicy `yaml:"plateau_policy,omitempty"`
}

// VariantDoc is one test-plan variant as decoded from YAML, before
// conversion to types.TestVariant.
type VariantDoc struct {
	Name       string                 `yaml:"name"`
	Kind       types.VariantKind      `yaml:"kind"`
	TargetRate float64                `yaml:"target_rate"`
	Overrides  map[string]interface{} `yaml:"workload_overrides"`
}

// ToMatrix converts a decoded TestPlan into the types.Matrix the
// matrix runner consumes.
func (p TestPlan) ToMatrix() types.Matrix {
	variants := make([]types.TestVariant, 0, len(p.Variants))
	for _, v := range p.Variants {
		variants = append(variants, types.TestVariant{
			Name:              v.Name,
			Kind:              v.Kind,
			TargetRate:        v.TargetRate,
			WorkloadOverrides: v.Overrides,
		})
	}
	return types.Matrix{
		Name:     p.Name,
		Base:     p.Base,
		Variants: variants,
		Plateau:  p.Plateau,
	}
}

// LoadInfrastructure decodes an infrastructure document from path.
func LoadInfrastructure(path string) (Infrastructure, error) {
	var doc Infrastructure
	if err := decodeFile(path, &doc); err != nil {
		return Infrastructure{}, errors.New(errors.ConfigInvalid, err).WithComponent("config")
	}
	return doc, nil
}

// LoadTestPlan decodes a test-plan document from path.
func LoadTestPlan(path string) (TestPlan, error) {
	var doc TestPlan
	if err := decodeFile(path, &doc); err != nil {
		return TestPlan{}, errors.New(errors.ConfigInvalid, err).WithComponent("config")
	}
	return doc, nil
}

func decodeFile(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// knownWorkloadKeys enumerates the fields a workload override is
// allowed to set, keyed by the YAML tag used in types.Workload.
var knownWorkloadKeys = map[string]bool{
	"topics":                  true,
	"partitions":              true,
	"producer_count":          true,
	"consumer_count":          true,
	"message_size_bytes":      true,
	"message_size_buckets":    true,
	"test_duration_minutes":   true,
	"warmup_duration_minutes": true,
	"target_rate":             true,
}

// MergeWorkload merges a variant's overrides onto a base workload,
// producing the workload artefact used for one variant's run.
// Overrides take precedence; unknown keys are rejected; the result is
// deterministic for a given (base, variant) pair — byte-identical on
// repeated calls.
func MergeWorkload(base types.Workload, overrides map[string]interface{}) (types.Workload, error) {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		if !knownWorkloadKeys[k] {
			return types.Workload{}, errors.New(errors.ConfigInvalid,
				fmt.Errorf("unknown workload override key %q", k)).WithComponent("config")
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	merged := base
	for _, k := range keys {
		v := overrides[k]
		if err := applyOverride(&merged, k, v); err != nil {
			return types.Workload{}, errors.New(errors.ConfigInvalid, err).WithComponent("config")
		}
	}
	return merged, nil
}

func applyOverride(w *types.Workload, key string, value interface{}) error {
	switch key {
	case "topics":
		n, err := toInt(value)
		if err != nil {
			return fmt.Errorf("topics: %w", err)
		}
		w.Topics = n
	case "partitions":
		n, err := toInt(value)
		if err != nil {
			return fmt.Errorf("partitions: %w", err)
		}
		w.Partitions = n
	case "producer_count":
		n, err := toInt(value)
		if err != nil {
			return fmt.Errorf("producer_count: %w", err)
		}
		w.ProducerCount = n
	case "consumer_count":
		n, err := toInt(value)
		if err != nil {
			return fmt.Errorf("consumer_count: %w", err)
		}
		w.ConsumerCount = n
	case "message_size_bytes":
		n, err := toInt(value)
		if err != nil {
			return fmt.Errorf("message_size_bytes: %w", err)
		}
		w.MessageSizeBytes = n
		w.MessageSizeBuckets = nil
	case "message_size_buckets":
		buckets, ok := value.(map[string]interface{})
		if !ok {
			return fmt.Errorf("message_size_buckets: expected a map of range to weight")
		}
		normalised, err := normaliseBuckets(buckets)
		if err != nil {
			return fmt.Errorf("message_size_buckets: %w", err)
		}
		w.MessageSizeBuckets = normalised
		w.MessageSizeBytes = 0
	case "test_duration_minutes":
		n, err := toInt(value)
		if err != nil {
			return fmt.Errorf("test_duration_minutes: %w", err)
		}
		w.TestDurationMinutes = n
	case "warmup_duration_minutes":
		n, err := toInt(value)
		if err != nil {
			return fmt.Errorf("warmup_duration_minutes: %w", err)
		}
		w.WarmupDurationMinutes = n
	case "target_rate":
		f, err := toFloat(value)
		if err != nil {
			return fmt.Errorf("target_rate: %w", err)
		}
		w.TargetRate = f
	}
	return nil
}

// normaliseBuckets rescales a weight-bucketed message-size
// distribution so its weights sum to 1.
func normaliseBuckets(raw map[string]interface{}) (map[string]float64, error) {
	out := make(map[string]float64, len(raw))
	var total float64
	for k, v := range raw {
		f, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("bucket %q: %w", k, err)
		}
		out[k] = f
		total += f
	}
	if total <= 0 {
		return nil, fmt.Errorf("bucket weights must sum to a positive total")
	}
	for k := range out {
		out[k] /= total
	}
	return out, nil
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}
