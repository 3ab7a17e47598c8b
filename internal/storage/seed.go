package storage

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/t77yq/drs-orchestrator/internal/model"
)

// Seed is the YAML document listing plans and protection groups to load
type Seed struct {
	ProtectionGroups []model.ProtectionGroup `yaml:"protection_groups"`
	Plans            []model.Plan            `yaml:"plans"`
}

// ParseSeed decodes a seed document
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}
	for i, pg := range seed.ProtectionGroups {
		if pg.ID == "" {
			return nil, fmt.Errorf("protection group %d has no id", i)
		}
	}
	for i, plan := range seed.Plans {
		if plan.ID == "" {
			return nil, fmt.Errorf("plan %d has no id", i)
		}
	}
	return &seed, nil
}

// LoadSeedFile reads path and saves its contents into store. It returns the
// number of plans and protection groups written.
func LoadSeedFile(ctx context.Context, path string, store PlanStore) (plans, groups int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read seed file: %w", err)
	}
	seed, err := ParseSeed(data)
	if err != nil {
		return 0, 0, err
	}

	for i := range seed.ProtectionGroups {
		if err := store.SaveProtectionGroup(ctx, &seed.ProtectionGroups[i]); err != nil {
			return plans, groups, err
		}
		groups++
	}
	for i := range seed.Plans {
		if err := store.SavePlan(ctx, &seed.Plans[i]); err != nil {
			return plans, groups, err
		}
		plans++
	}
	return plans, groups, nil
}
