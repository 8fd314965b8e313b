package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deedflow/internal/config"
	"deedflow/internal/domain"
	"deedflow/internal/repo"
)

// ResolveOfficeAndConfig picks the active office and ensures an office +
// config exist in DB, seeding defaults if missing. It prefers overrides,
// then single-office DB. If the office does not exist, it is created on
// the fly.
func ResolveOfficeAndConfig(ctx context.Context, officeOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	officeID := officeOverride
	if officeID == "" {
		if o, err := r.SingleOffice(ctx); err == nil {
			officeID = o.ID
		} else {
			return "", nil, fmt.Errorf("office not specified; use --office")
		}
	}
	seedCfg := config.Default(officeID)

	if _, err := r.GetOffice(ctx, officeID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createOffice(ctx, r, officeID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetOfficeConfig(ctx, officeID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertOfficeConfig(ctx, officeID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed office config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Office.ID = officeID
	return officeID, cfg, nil
}

// createOffice inserts a minimal office/rbac footprint using the seed
// config. The creating actor becomes the office supervisor.
func createOffice(ctx context.Context, r repo.Repo, officeID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(officeID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	o := domain.Office{ID: officeID, CreatedAt: now}
	if err := r.InsertOffice(ctx, tx, o); err != nil {
		return fmt.Errorf("insert office: %w", err)
	}
	if err := r.UpsertOfficeConfigTx(ctx, tx, officeID, seedCfg); err != nil {
		return fmt.Errorf("insert office config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	if err := r.AssignRole(ctx, tx, officeID, actorID, domain.RoleSupervisor); err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	return tx.Commit()
}
