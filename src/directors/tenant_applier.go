package directors

import (
	"context"
	"database/sql"
	"fmt"

	"branchdb/src/connpool"
	"branchdb/src/dberrors"
	"branchdb/src/engine"
	"branchdb/src/layout"
	"branchdb/src/models"

	"github.com/jmoiron/sqlx"
	"github.com/juju/errors"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

/*

The tenant applier runs change entries against every tenant of a branch as
one unit. Each tenant gets its own write transaction; the statements run in
all of them first, and only when every tenant accepted every statement are
the transactions committed. Any failure rolls back every open transaction,
so the tenants are left exactly as they were.

Callers hold the branch's mutation section and append to the change log
only after Apply returns nil.

*/

type tenantApplier struct {
	layout   *layout.Layout
	registry *connpool.Registry
	logger   *zap.SugaredLogger
}

type tenantTx struct {
	tenant string
	conn   *connpool.ManagedConn
	tx     *sqlx.Tx
}

// Apply runs entries on every tenant of key and returns the tenant names.
func (a *tenantApplier) Apply(ctx context.Context, key layout.BranchKey, entries []models.ChangeEntry) ([]string, error) {
	tenants, err := a.layout.ListTenants(key)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return tenants, nil
	}

	open := make([]*tenantTx, 0, len(tenants))
	defer func() {
		for _, t := range open {
			a.registry.Release(t.conn)
		}
	}()
	rollback := func() {
		for _, t := range open {
			if t.tx == nil {
				continue
			}
			if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
				a.logger.Errorf("Failed to roll back tenant %s of %s: %v", t.tenant, key, err)
			}
		}
	}

	for _, tenant := range tenants {
		mc, err := a.registry.Acquire(ctx, key.Tenant(tenant))
		if err != nil {
			rollback()
			return nil, err
		}
		t := &tenantTx{tenant: tenant, conn: mc}
		open = append(open, t)

		t.tx, err = mc.DB().BeginTxx(ctx, nil)
		if err != nil {
			rollback()
			return nil, classifyStoreError(tenant, err)
		}
		if err := execEntries(ctx, t.tx, tenant, entries, a.logger); err != nil {
			a.logger.Warnf("Rolling back %d tenant(s) of %s: %v", len(open), key, err)
			rollback()
			return nil, err
		}
	}

	for i, t := range open {
		if err := t.tx.Commit(); err != nil {
			if i == 0 {
				rollback()
				return nil, classifyStoreError(t.tenant, err)
			}
			// Tenants before i are already committed and can not be undone.
			a.logger.Errorf("Commit failed on tenant %s of %s after %d tenant(s) committed: %v", t.tenant, key, i, err)
			rollback()
			return nil, fmt.Errorf("tenant %q of %s: commit failed after %d tenant(s) committed: %w", t.tenant, key, i, err)
		}
	}
	return tenants, nil
}

// replayInto runs entries against a single store in one transaction.
func replayInto(ctx context.Context, db *sqlx.DB, tenant string, entries []models.ChangeEntry, logger *zap.SugaredLogger) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return classifyStoreError(tenant, err)
	}
	if err := execEntries(ctx, tx, tenant, entries, logger); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classifyStoreError(tenant, err)
	}
	return nil
}

func execEntries(ctx context.Context, tx *sqlx.Tx, tenant string, entries []models.ChangeEntry, logger *zap.SugaredLogger) error {
	for _, entry := range entries {
		for _, stmt := range engine.Statements(entry) {
			logger.Debugf("Tenant %s: %s", tenant, stmt)
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return schemaChangeError(tenant, entry, err)
			}
		}
	}
	return nil
}

// schemaChangeError names the table, column and constraint behind a
// statement the store refused.
func schemaChangeError(tenant string, entry models.ChangeEntry, err error) error {
	if ctxErr := dberrors.FromContext(err); ctxErr != err {
		return fmt.Errorf("tenant %q: %w", tenant, ctxErr)
	}
	if connpool.IsBusy(err) {
		return fmt.Errorf("tenant %q is locked by another writer: %w: %w", tenant, dberrors.Timeout, err)
	}
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return fmt.Errorf("tenant %q: %w", tenant, err)
	}

	table := entry.Details["table"]
	if table == "" {
		table = entry.TargetName
	}
	return &dberrors.SchemaChangeError{
		Tenant:     tenant,
		Table:      table,
		Column:     entry.Details["column"],
		Constraint: sqliteErr.Error(),
		Err:        err,
	}
}

func classifyStoreError(tenant string, err error) error {
	if ctxErr := dberrors.FromContext(err); ctxErr != err {
		return fmt.Errorf("tenant %q: %w", tenant, ctxErr)
	}
	if connpool.IsBusy(err) {
		return fmt.Errorf("tenant %q is locked by another writer: %w: %w", tenant, dberrors.Timeout, err)
	}
	return fmt.Errorf("tenant %q: %w", tenant, err)
}
