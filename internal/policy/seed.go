package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/shonin/internal/model"
	"github.com/ashita-ai/shonin/internal/storage"
)

// SeedStore is what seeding needs: existence checks plus upserts for rules
// and limits.
type SeedStore interface {
	GetRule(ctx context.Context, name string) (model.AutoApprovalRule, error)
	UpsertRule(ctx context.Context, r model.AutoApprovalRule) error
	ListLimits(ctx context.Context) ([]model.SafetyLimit, error)
	UpsertLimit(ctx context.Context, l model.SafetyLimit) error
}

// SeedFile is the operator-authored policy file: the initial rule set and
// safety limits for a fresh deployment.
type SeedFile struct {
	Rules  []model.AutoApprovalRule `yaml:"rules"`
	Limits []model.SafetyLimit      `yaml:"limits"`
}

// ParseSeed reads and validates a policy seed file.
func ParseSeed(path string) (SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SeedFile{}, fmt.Errorf("policy: read seed file: %w", err)
	}
	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return SeedFile{}, fmt.Errorf("policy: parse seed file %s: %w", path, err)
	}
	for _, r := range f.Rules {
		if err := r.Validate(); err != nil {
			return SeedFile{}, fmt.Errorf("policy: seed file %s: %w", path, err)
		}
	}
	for _, l := range f.Limits {
		if err := l.Validate(); err != nil {
			return SeedFile{}, fmt.Errorf("policy: seed file %s: %w", path, err)
		}
	}
	return f, nil
}

// Seed applies a seed file, inserting only rules and limits that do not
// already exist. Rows previously edited through the operator API are left
// alone: the seed file describes a starting point, not desired state.
func Seed(ctx context.Context, store SeedStore, f SeedFile, logger *slog.Logger) error {
	for _, r := range f.Rules {
		_, err := store.GetRule(ctx, r.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("policy: seed rule %q: %w", r.Name, err)
		}
		if err := store.UpsertRule(ctx, r); err != nil {
			return fmt.Errorf("policy: seed rule %q: %w", r.Name, err)
		}
		logger.Info("seeded auto-approval rule", "rule", r.Name, "category", r.Category)
	}

	existing, err := store.ListLimits(ctx)
	if err != nil {
		return fmt.Errorf("policy: seed limits: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, l := range existing {
		have[string(l.AgentClass)+"/"+string(l.Kind)] = true
	}
	for _, l := range f.Limits {
		if have[string(l.AgentClass)+"/"+string(l.Kind)] {
			continue
		}
		if err := store.UpsertLimit(ctx, l); err != nil {
			return fmt.Errorf("policy: seed limit %s/%s: %w", l.AgentClass, l.Kind, err)
		}
		logger.Info("seeded safety limit",
			"agent_class", l.AgentClass, "kind", l.Kind, "limit", l.Limit, "action", l.Action)
	}
	return nil
}

// SeedFromFile parses path and applies it. A missing file is not an error;
// deployments without a seed file configure everything through the API.
func SeedFromFile(ctx context.Context, store SeedStore, path string, logger *slog.Logger) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Debug("no policy seed file", "path", path)
		return nil
	}
	f, err := ParseSeed(path)
	if err != nil {
		return err
	}
	return Seed(ctx, store, f, logger)
}
