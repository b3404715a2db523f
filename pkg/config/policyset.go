package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/arbiter-labs/arbiter/pkg/authz"
)

// PolicySet is a named, versioned collection of CEL rules. Decisions
// carry the set id so a denial can always be traced to the rules that
// produced it.
type PolicySet struct {
	ID          string             `yaml:"id" json:"id"`
	Description string             `yaml:"description,omitempty" json:"description,omitempty"`
	Rules       []authz.PolicyRule `yaml:"rules" json:"rules"`
}

// LoadPolicySet loads one policyset_<id>.yaml from the policy directory.
func LoadPolicySet(policyDir, id string) (*PolicySet, error) {
	path := filepath.Join(policyDir, fmt.Sprintf("policyset_%s.yaml", strings.ToLower(id)))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy set %q: %w", id, err)
	}
	return parsePolicySet(path, data)
}

// LoadPolicySets loads every policyset_*.yaml from the policy
// directory, ordered by id.
func LoadPolicySets(policyDir string) ([]*PolicySet, error) {
	matches, err := filepath.Glob(filepath.Join(policyDir, "policyset_*.yaml"))
	if err != nil {
		return nil, err
	}
	sets := make([]*PolicySet, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		set, err := parsePolicySet(path, data)
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i].ID < sets[j].ID })
	return sets, nil
}

func parsePolicySet(path string, data []byte) (*PolicySet, error) {
	var set PolicySet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if set.ID == "" {
		base := filepath.Base(path)
		set.ID = strings.TrimSuffix(strings.TrimPrefix(base, "policyset_"), ".yaml")
	}
	for i, rule := range set.Rules {
		if rule.Name == "" || rule.Expr == "" {
			return nil, fmt.Errorf("%s: rule %d needs both name and expr", path, i)
		}
	}
	return &set, nil
}

// Hook compiles the set into a pre-authorize hook. Compilation errors
// surface here, before the server starts taking traffic.
func (s *PolicySet) Hook() (*authz.CELPolicyHook, error) {
	return authz.NewCELPolicyHook(s.Rules)
}
