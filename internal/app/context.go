package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"budgetline/internal/config"
	"budgetline/internal/repo"
)

// ResolvePortfolioAndConfig picks the active portfolio and ensures its config
// exists in the DB, seeding the default catalog if missing. It prefers the
// override, then the single stored portfolio, then a fresh "default".
func ResolvePortfolioAndConfig(ctx context.Context, portfolioOverride, userID string, r repo.Repo) (string, *config.Config, error) {
	portfolioID := portfolioOverride
	if portfolioID == "" {
		id, err := r.SinglePortfolioID(ctx)
		switch {
		case err == nil:
			portfolioID = id
		case errors.Is(err, repo.ErrNotFound):
			portfolioID = "default"
		default:
			return "", nil, err
		}
	}
	cfg, err := r.GetPortfolioConfig(ctx, portfolioID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(portfolioID)
		if err := seedPortfolio(ctx, r, portfolioID, cfg, userID); err != nil {
			return "", nil, err
		}
	}
	cfg.Project.ID = portfolioID
	return portfolioID, cfg, nil
}

// seedPortfolio writes the seed config and a local user in one transaction.
func seedPortfolio(ctx context.Context, r repo.Repo, portfolioID string, seedCfg *config.Config, userID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpsertPortfolioConfigTx(ctx, tx, portfolioID, seedCfg); err != nil {
		return fmt.Errorf("seed portfolio config: %w", err)
	}
	if userID == "" {
		userID = "local-user"
	}
	if err := r.EnsureUser(ctx, tx, userID, now); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return tx.Commit()
}
