package directors

import (
	"context"
	"fmt"
	"time"

	"branchdb/src/dberrors"
	"branchdb/src/engine"
	"branchdb/src/layout"
	"branchdb/src/models"
	"branchdb/src/settings"
)

// operationContext bounds ctx by the configured operation timeout unless
// the caller already set a deadline.
func operationContext(ctx context.Context, args *settings.Arguments) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || args.OperationTimeout.Duration <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, args.OperationTimeout.Duration)
}

// touchBranch rewrites the metadata of key with UpdatedAt set to now after
// applying mutate. Callers hold the branch's mutation section.
func touchBranch(store engine.BranchStore, key layout.BranchKey, now time.Time, mutate func(*models.Branch)) error {
	branch, err := store.LoadBranch(key)
	if err != nil {
		return err
	}
	if mutate != nil {
		mutate(branch)
	}
	branch.UpdatedAt = now
	return store.UpdateBranch(key, branch)
}

func requireDatabase(l *layout.Layout, database string) error {
	if err := layout.ValidateName("database", database); err != nil {
		return err
	}
	if !l.DatabaseExists(database) {
		return fmt.Errorf("database %q: %w", database, dberrors.NotFound)
	}
	return nil
}

func requireBranch(l *layout.Layout, key layout.BranchKey) error {
	if err := requireDatabase(l, key.Database); err != nil {
		return err
	}
	if err := layout.ValidateName("branch", key.Branch); err != nil {
		return err
	}
	if !l.BranchExists(key) {
		return fmt.Errorf("branch %q of database %q: %w", key.Branch, key.Database, dberrors.NotFound)
	}
	return nil
}

func requireTenant(l *layout.Layout, key layout.StoreKey) error {
	if err := requireBranch(l, key.BranchKey()); err != nil {
		return err
	}
	if err := layout.ValidateName("tenant", key.Tenant); err != nil {
		return err
	}
	if !l.TenantExists(key) {
		return fmt.Errorf("tenant %q of %s: %w", key.Tenant, key.BranchKey(), dberrors.NotFound)
	}
	return nil
}
