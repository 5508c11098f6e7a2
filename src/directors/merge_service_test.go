package directors

import (
	"context"
	"testing"

	"branchdb/src/dberrors"
	"branchdb/src/layout"
	"branchdb/src/models"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func columnNames(t *testing.T, m *ServiceManager, key layout.StoreKey, table string) []string {
	t.Helper()
	cols, err := m.SchemaService.DescribeTable(context.Background(), key, table)
	require.NoError(t, err)
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.Name)
	}
	return names
}

func TestFastForwardMergeScenario(t *testing.T) {
	m := newTestManager(t)
	main := newTestDatabase(t, m)
	ctx := context.Background()

	_, err := m.BranchService.Create(ctx, "d", "f", "main")
	require.NoError(t, err)
	f := layout.BranchKey{Database: "d", Branch: "f"}
	_, err = m.SchemaService.AddColumn(ctx, f, "users", models.Column{Name: "age", Type: "INTEGER"})
	require.NoError(t, err)

	check, err := m.MergeService.CanMerge(ctx, "d", "f", "main")
	require.NoError(t, err)
	assert.True(t, check.Mergeable)
	assert.Equal(t, models.FastForward, check.MergeType)
	assert.Equal(t, 1, check.ChangeCount)

	result, err := m.MergeService.Merge(ctx, "d", "f", "main", false)
	require.NoError(t, err)
	assert.Equal(t, models.MergeDone, result.State)
	assert.Equal(t, []string{"main"}, result.Tenants)
	require.Len(t, result.Applied, 1)
	assert.Equal(t, "f", result.Applied[0].MergedFrom)
	assert.Equal(t, int64(2), result.Applied[0].Sequence)
	assert.Contains(t, columnNames(t, m, main.Tenant("main"), "users"), "age")

	mainLog, err := m.BranchService.Changes("d", "main")
	require.NoError(t, err)
	require.Len(t, mainLog, 2)
	featureLog, err := m.BranchService.Changes("d", "f")
	require.NoError(t, err)
	assert.Equal(t, featureLog[1].ID, mainLog[1].ID)

	check, err = m.MergeService.CanMerge(ctx, "d", "f", "main")
	require.NoError(t, err)
	assert.Equal(t, 0, check.ChangeCount)

	result, err = m.MergeService.Merge(ctx, "d", "f", "main", false)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Check.ChangeCount)
	mainLog, err = m.BranchService.Changes("d", "main")
	require.NoError(t, err)
	assert.Len(t, mainLog, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.mergeMetrics.merges.WithLabelValues("merged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mergeMetrics.replayed))
}

func TestMergeReachesEveryTenant(t *testing.T) {
	m := newTestManager(t)
	main := newTestDatabase(t, m)
	ctx := context.Background()

	for _, name := range []string{"t1", "t2", "t3"} {
		_, err := m.TenantService.Create(ctx, main, name, "")
		require.NoError(t, err)
	}
	_, err := m.BranchService.Create(ctx, "d", "f", "main")
	require.NoError(t, err)
	f := layout.BranchKey{Database: "d", Branch: "f"}
	_, err = m.SchemaService.CreateTable(ctx, f, "orders", []models.Column{{Name: "total", Type: "REAL", NotNull: true, Default: "0"}})
	require.NoError(t, err)
	_, err = m.SchemaService.CreateView(ctx, f, "big_orders", "SELECT * FROM orders WHERE total > 100")
	require.NoError(t, err)

	_, err = m.MergeService.Merge(ctx, "d", "f", "main", false)
	require.NoError(t, err)

	reference, err := m.SchemaService.Schema(ctx, main.Tenant("main"))
	require.NoError(t, err)
	for _, name := range []string{"t1", "t2", "t3"} {
		schema, err := m.SchemaService.Schema(ctx, main.Tenant(name))
		require.NoError(t, err)
		assert.Equal(t, reference, schema, name)
	}
	views, err := m.SchemaService.ListViews(ctx, main.Tenant("t3"))
	require.NoError(t, err)
	assert.Equal(t, []string{"big_orders"}, views)
}

func TestDryRunChangesNothing(t *testing.T) {
	m := newTestManager(t)
	main := newTestDatabase(t, m)
	ctx := context.Background()

	_, err := m.BranchService.Create(ctx, "d", "f", "main")
	require.NoError(t, err)
	f := layout.BranchKey{Database: "d", Branch: "f"}
	_, err = m.SchemaService.RenameColumn(ctx, f, "users", "name", "full_name")
	require.NoError(t, err)

	result, err := m.MergeService.Merge(ctx, "d", "f", "main", true)
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, models.MergeDone, result.State)
	assert.Equal(t, []string{`ALTER TABLE "users" RENAME COLUMN "name" TO "full_name"`}, result.Statements)
	assert.Empty(t, result.Applied)

	mainLog, err := m.BranchService.Changes("d", "main")
	require.NoError(t, err)
	assert.Len(t, mainLog, 1)
	assert.Contains(t, columnNames(t, m, main.Tenant("main"), "users"), "name")
}

func TestDivergedBranchesConflict(t *testing.T) {
	m := newTestManager(t)
	main := newTestDatabase(t, m)
	ctx := context.Background()

	_, err := m.BranchService.Create(ctx, "d", "f", "main")
	require.NoError(t, err)
	f := layout.BranchKey{Database: "d", Branch: "f"}
	_, err = m.SchemaService.AddColumn(ctx, f, "users", models.Column{Name: "age", Type: "INTEGER"})
	require.NoError(t, err)
	hotfix, err := m.SchemaService.AddColumn(ctx, main, "users", models.Column{Name: "email", Type: "TEXT"})
	require.NoError(t, err)

	check, err := m.MergeService.CanMerge(ctx, "d", "f", "main")
	require.NoError(t, err)
	assert.False(t, check.Mergeable)
	require.Len(t, check.Conflicting, 1)
	assert.Equal(t, hotfix.ID, check.Conflicting[0].ID)

	result, err := m.MergeService.Merge(ctx, "d", "f", "main", false)
	assert.True(t, dberrors.Is(err, dberrors.Conflict), "got %v", err)
	assert.Equal(t, models.MergeFailed, result.State)
	var conflict *dberrors.MergeConflictError
	require.True(t, errors.As(err, &conflict))
	require.Len(t, conflict.Changes, 1)
	assert.Equal(t, hotfix.ID, conflict.Changes[0].ID)
	assert.NotContains(t, columnNames(t, m, main.Tenant("main"), "users"), "age")

	// Each side holds an entry the other lacks.
	check, err = m.MergeService.CanMerge(ctx, "d", "main", "f")
	require.NoError(t, err)
	assert.False(t, check.Mergeable)
}

func TestMergeRollsBackEveryTenant(t *testing.T) {
	m := newTestManager(t)
	main := newTestDatabase(t, m)
	ctx := context.Background()

	_, err := m.TenantService.Create(ctx, main, "t2", "")
	require.NoError(t, err)
	_, err = m.BranchService.Create(ctx, "d", "f", "main")
	require.NoError(t, err)
	f := layout.BranchKey{Database: "d", Branch: "f"}

	// t2 on main holds two users with the same name; f has no duplicates.
	insertUsers(t, m, main.Tenant("main"), "ann")
	_, err = m.QueryService.Execute(ctx, main.Tenant("t2"),
		`INSERT INTO users (id, name) VALUES ('1', 'dup'), ('2', 'dup')`)
	require.NoError(t, err)

	_, err = m.SchemaService.CreateIndex(ctx, f, "users_name", "users", []string{"name"}, true)
	require.NoError(t, err)

	before := map[string][]models.SchemaObject{}
	for _, tenant := range []string{"main", "t2"} {
		before[tenant], err = m.SchemaService.Schema(ctx, main.Tenant(tenant))
		require.NoError(t, err)
	}

	result, err := m.MergeService.Merge(ctx, "d", "f", "main", false)
	require.Error(t, err)
	assert.Equal(t, models.MergeFailed, result.State)
	assert.True(t, dberrors.Is(err, dberrors.InvalidSchemaChange), "got %v", err)
	var schemaErr *dberrors.SchemaChangeError
	require.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, "t2", schemaErr.Tenant)
	assert.Equal(t, "users", schemaErr.Table)
	assert.Contains(t, schemaErr.Constraint, "UNIQUE")

	for _, tenant := range []string{"main", "t2"} {
		after, err := m.SchemaService.Schema(ctx, main.Tenant(tenant))
		require.NoError(t, err)
		assert.Equal(t, before[tenant], after, tenant)
	}
	mainLog, err := m.BranchService.Changes("d", "main")
	require.NoError(t, err)
	assert.Len(t, mainLog, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mergeMetrics.merges.WithLabelValues("rolled_back")))
}

func TestMergeValidation(t *testing.T) {
	m := newTestManager(t)
	newTestDatabase(t, m)
	ctx := context.Background()

	_, err := m.MergeService.Merge(ctx, "d", "main", "main", false)
	assert.True(t, dberrors.Is(err, dberrors.NotValid), "got %v", err)
	_, err = m.MergeService.CanMerge(ctx, "d", "ghost", "main")
	assert.True(t, dberrors.Is(err, dberrors.NotFound), "got %v", err)
}

func TestTimedOutMergeRollsBackEveryTenant(t *testing.T) {
	m := newTestManager(t)
	main := newTestDatabase(t, m)
	ctx := context.Background()

	_, err := m.TenantService.Create(ctx, main, "t2", "")
	require.NoError(t, err)
	_, err = m.BranchService.Create(ctx, "d", "f", "main")
	require.NoError(t, err)
	_, err = m.SchemaService.AddColumn(ctx, layout.BranchKey{Database: "d", Branch: "f"}, "users",
		models.Column{Name: "age", Type: "INTEGER"})
	require.NoError(t, err)

	before := map[string][]models.SchemaObject{}
	for _, tenant := range []string{"main", "t2"} {
		before[tenant], err = m.SchemaService.Schema(ctx, main.Tenant(tenant))
		require.NoError(t, err)
	}

	// Another writer holds t2 past the busy timeout; main is applied first.
	blocker, err := m.Registry.OpenUnpooled(ctx, m.Layout.StorePath(main.Tenant("t2")), false)
	require.NoError(t, err)
	defer blocker.Close()
	held, err := blocker.BeginTxx(ctx, nil)
	require.NoError(t, err)
	_, err = held.Exec(`INSERT INTO users (id, name) VALUES ('x', 'writer')`)
	require.NoError(t, err)

	result, err := m.MergeService.Merge(ctx, "d", "f", "main", false)
	assert.True(t, dberrors.Is(err, dberrors.Timeout), "got %v", err)
	assert.Equal(t, models.MergeFailed, result.State)
	require.NoError(t, held.Rollback())

	for _, tenant := range []string{"main", "t2"} {
		after, err := m.SchemaService.Schema(ctx, main.Tenant(tenant))
		require.NoError(t, err)
		assert.Equal(t, before[tenant], after, tenant)
	}
	mainLog, err := m.BranchService.Changes("d", "main")
	require.NoError(t, err)
	assert.Len(t, mainLog, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mergeMetrics.merges.WithLabelValues("rolled_back")))

	// Nothing is left locked: the same merge goes through once the writer is gone.
	_, err = m.MergeService.Merge(ctx, "d", "f", "main", false)
	require.NoError(t, err)
	assert.Contains(t, columnNames(t, m, main.Tenant("t2"), "users"), "age")
}
