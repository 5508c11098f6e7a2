package directors

import (
	"context"
	"os"
	"testing"

	"branchdb/src/dberrors"
	"branchdb/src/layout"
	"branchdb/src/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateBranchCopiesTenantsAndChangeLog(t *testing.T) {
	m := newTestManager(t)
	main := newTestDatabase(t, m)
	ctx := context.Background()

	_, err := m.TenantService.Create(ctx, main, "acme", "")
	require.NoError(t, err)
	insertUsers(t, m, main.Tenant("acme"), "ann", "bob")

	branch, err := m.BranchService.Create(ctx, "d", "feature", "main")
	require.NoError(t, err)
	assert.Equal(t, "feature", branch.Name)
	assert.Equal(t, "main", branch.ParentBranch)
	assert.NotEmpty(t, branch.ID)

	feature := layout.BranchKey{Database: "d", Branch: "feature"}
	mainTenants, err := m.Layout.ListTenants(main)
	require.NoError(t, err)
	featureTenants, err := m.Layout.ListTenants(feature)
	require.NoError(t, err)
	assert.Equal(t, mainTenants, featureTenants)

	mainLog, err := m.BranchService.Changes("d", "main")
	require.NoError(t, err)
	featureLog, err := m.BranchService.Changes("d", "feature")
	require.NoError(t, err)
	assert.Equal(t, mainLog, featureLog)

	// Data came along and is independent from the parent.
	assert.Equal(t, int64(2), countRows(t, m, feature.Tenant("acme"), "users"))
	insertUsers(t, m, feature.Tenant("acme"), "cy")
	assert.Equal(t, int64(2), countRows(t, m, main.Tenant("acme"), "users"))

	loaded, err := m.BranchService.Get("d", "feature")
	require.NoError(t, err)
	assert.Equal(t, branch.ID, loaded.ID)
	assert.Equal(t, "d", loaded.Database)

	branches, err := m.BranchService.List("d")
	require.NoError(t, err)
	require.Len(t, branches, 2)
	assert.Equal(t, "feature", branches[0].Name)
	assert.Equal(t, "main", branches[1].Name)

	// No staging leftovers.
	entries, err := os.ReadDir(m.Layout.BranchesDir("d"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCreateBranchErrors(t *testing.T) {
	m := newTestManager(t)
	newTestDatabase(t, m)
	ctx := context.Background()

	_, err := m.BranchService.Create(ctx, "d", "feature", "ghost")
	assert.True(t, dberrors.Is(err, dberrors.NotFound), "got %v", err)
	_, err = m.BranchService.Create(ctx, "nodb", "feature", "main")
	assert.True(t, dberrors.Is(err, dberrors.NotFound), "got %v", err)
	_, err = m.BranchService.Create(ctx, "d", "Feature!", "main")
	assert.True(t, dberrors.Is(err, dberrors.NotValid), "got %v", err)
	_, err = m.BranchService.Create(ctx, "d", "main", "main")
	assert.True(t, dberrors.Is(err, dberrors.AlreadyExists), "got %v", err)
}

func TestDeleteBranch(t *testing.T) {
	m := newTestManager(t)
	newTestDatabase(t, m)
	ctx := context.Background()

	_, err := m.BranchService.Create(ctx, "d", "feature", "")
	require.NoError(t, err)
	feature := layout.BranchKey{Database: "d", Branch: "feature"}

	// A handle in use blocks the delete.
	mc, err := m.Registry.Acquire(ctx, feature.Tenant("main"))
	require.NoError(t, err)
	err = m.BranchService.Delete(ctx, "d", "feature")
	assert.True(t, dberrors.Is(err, dberrors.Conflict), "got %v", err)
	assert.True(t, m.Layout.BranchExists(feature))
	m.Registry.Release(mc)

	require.NoError(t, m.BranchService.Delete(ctx, "d", "feature"))
	assert.False(t, m.Layout.BranchExists(feature))
	assert.NoDirExists(t, m.Layout.BranchDir(feature))

	err = m.BranchService.Delete(ctx, "d", "feature")
	assert.True(t, dberrors.Is(err, dberrors.NotFound), "got %v", err)
}

func TestSwitchUpdatesCurrentContext(t *testing.T) {
	m := newTestManager(t)
	main := newTestDatabase(t, m)
	ctx := context.Background()

	_, err := m.TenantService.Create(ctx, main, "acme", "")
	require.NoError(t, err)
	_, err = m.BranchService.Create(ctx, "d", "feature", "main")
	require.NoError(t, err)
	require.NoError(t, m.ProjectService.SetContext(models.Context{Database: "d", Branch: "main", Tenant: "acme"}))

	current, err := m.BranchService.Switch("d", "feature")
	require.NoError(t, err)
	assert.Equal(t, models.Context{Database: "d", Branch: "feature", Tenant: "acme"}, current)

	persisted, err := m.ProjectService.CurrentContext()
	require.NoError(t, err)
	assert.Equal(t, current, persisted)

	_, err = m.BranchService.Switch("d", "ghost")
	assert.True(t, dberrors.Is(err, dberrors.NotFound))
	persisted, err = m.ProjectService.CurrentContext()
	require.NoError(t, err)
	assert.Equal(t, "feature", persisted.Branch)
}

func TestCompareBranches(t *testing.T) {
	m := newTestManager(t)
	main := newTestDatabase(t, m)
	ctx := context.Background()

	_, err := m.BranchService.Create(ctx, "d", "feature", "main")
	require.NoError(t, err)
	feature := layout.BranchKey{Database: "d", Branch: "feature"}
	_, err = m.SchemaService.AddColumn(ctx, feature, "users", models.Column{Name: "age", Type: "INTEGER"})
	require.NoError(t, err)
	_, err = m.SchemaService.CreateTable(ctx, main, "audit", nil)
	require.NoError(t, err)

	cmp, err := m.BranchService.Compare("d", "main", "feature")
	require.NoError(t, err)
	assert.Equal(t, 1, cmp.CommonPrefix)
	require.Len(t, cmp.OnlyInLeft, 1)
	assert.Equal(t, "audit", cmp.OnlyInLeft[0].TargetName)
	require.Len(t, cmp.OnlyInRight, 1)
	assert.Equal(t, models.AddColumn, cmp.OnlyInRight[0].Type)
}

func TestEntitiesCarryStableIDs(t *testing.T) {
	m := newTestManager(t)
	main := newTestDatabase(t, m)
	ctx := context.Background()

	db, err := m.DatabaseService.Get("d")
	require.NoError(t, err)
	assert.NotEmpty(t, db.ID)

	_, err = m.BranchService.Create(ctx, "d", "f", "main")
	require.NoError(t, err)
	f := layout.BranchKey{Database: "d", Branch: "f"}
	feature, err := m.BranchService.Get("d", "f")
	require.NoError(t, err)
	assert.Equal(t, db.ID, feature.DatabaseID)

	mainTenant, err := m.TenantService.Get(main, "main")
	require.NoError(t, err)
	assert.NotEmpty(t, mainTenant.ID)
	copied, err := m.TenantService.Get(f, "main")
	require.NoError(t, err)
	assert.NotEmpty(t, copied.ID)
	assert.NotEqual(t, mainTenant.ID, copied.ID)

	acme, err := m.TenantService.Create(ctx, main, "acme", "")
	require.NoError(t, err)
	assert.NotEmpty(t, acme.ID)
	clone, err := m.TenantService.Copy(ctx, main, "acme", "acme2")
	require.NoError(t, err)
	assert.NotEqual(t, acme.ID, clone.ID)

	renamed, err := m.TenantService.Rename(ctx, main, "acme", "acme-corp")
	require.NoError(t, err)
	assert.Equal(t, acme.ID, renamed.ID)
	require.NoError(t, m.TenantService.Delete(ctx, main, "acme-corp"))

	meta, err := m.BranchService.Get("d", "main")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"main": mainTenant.ID, "acme2": clone.ID}, meta.Tenants)

	again, err := m.DatabaseService.Get("d")
	require.NoError(t, err)
	assert.Equal(t, db.ID, again.ID)
}

func TestBranchMetadataTracksMutations(t *testing.T) {
	m := newTestManager(t)
	main := newTestDatabase(t, m)
	ctx := context.Background()

	before, err := m.BranchService.Get("d", "main")
	require.NoError(t, err)
	_, err = m.SchemaService.CreateTable(ctx, main, "orders", nil)
	require.NoError(t, err)
	changed, err := m.BranchService.Get("d", "main")
	require.NoError(t, err)
	assert.True(t, changed.UpdatedAt.After(before.UpdatedAt), "%v not after %v", changed.UpdatedAt, before.UpdatedAt)
	assert.True(t, changed.CreatedAt.Equal(before.CreatedAt))
	assert.Equal(t, before.ID, changed.ID)

	_, err = m.BranchService.Create(ctx, "d", "f", "main")
	require.NoError(t, err)
	_, err = m.SchemaService.AddColumn(ctx, layout.BranchKey{Database: "d", Branch: "f"}, "orders",
		models.Column{Name: "total", Type: "REAL"})
	require.NoError(t, err)
	_, err = m.MergeService.Merge(ctx, "d", "f", "main", false)
	require.NoError(t, err)

	merged, err := m.BranchService.Get("d", "main")
	require.NoError(t, err)
	assert.True(t, merged.UpdatedAt.After(changed.UpdatedAt), "%v not after %v", merged.UpdatedAt, changed.UpdatedAt)
}
