package directors

import (
	"context"
	"sync"
	"testing"

	"branchdb/src/dberrors"
	"branchdb/src/layout"
	"branchdb/src/models"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaChangeReachesEveryTenant(t *testing.T) {
	m := newTestManager(t)
	main := newTestDatabase(t, m)
	ctx := context.Background()

	for _, name := range []string{"t1", "t2"} {
		_, err := m.TenantService.Create(ctx, main, name, "")
		require.NoError(t, err)
	}
	entry, err := m.SchemaService.CreateTable(ctx, main, "items", []models.Column{
		{Name: "sku", Type: "TEXT", NotNull: true, Unique: true},
		{Name: "qty", Type: "INTEGER", Default: "0", Check: "qty >= 0"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.Sequence)
	assert.Equal(t, models.CreateTable, entry.Type)

	reference, err := m.SchemaService.Schema(ctx, main.Tenant("main"))
	require.NoError(t, err)
	for _, name := range []string{"t1", "t2"} {
		schema, err := m.SchemaService.Schema(ctx, main.Tenant(name))
		require.NoError(t, err)
		assert.Equal(t, reference, schema, name)
	}

	tables, err := m.SchemaService.ListTables(ctx, main.Tenant("t2"))
	require.NoError(t, err)
	assert.Equal(t, []string{"items", "users"}, tables)

	cols, err := m.SchemaService.DescribeTable(ctx, main.Tenant("t1"), "items")
	require.NoError(t, err)
	require.Len(t, cols, 5)
	assert.Equal(t, "id", cols[0].Name)
	assert.True(t, cols[0].PrimaryKey > 0)
	assert.Equal(t, "sku", cols[3].Name)
	assert.True(t, cols[3].NotNull)
}

func TestRejectedChangeLeavesEveryTenantUntouched(t *testing.T) {
	m := newTestManager(t)
	main := newTestDatabase(t, m)
	ctx := context.Background()

	_, err := m.SchemaService.CreateTable(ctx, main, "items", []models.Column{{Name: "sku", Type: "TEXT"}})
	require.NoError(t, err)
	for _, name := range []string{"t1", "t2"} {
		_, err := m.TenantService.Create(ctx, main, name, "")
		require.NoError(t, err)
	}
	_, err = m.QueryService.Execute(ctx, main.Tenant("t2"),
		`INSERT INTO items (id, sku) VALUES ('1', 'x'), ('2', 'x')`)
	require.NoError(t, err)

	_, err = m.SchemaService.CreateIndex(ctx, main, "items_sku", "items", []string{"sku"}, true)
	assert.True(t, dberrors.Is(err, dberrors.InvalidSchemaChange), "got %v", err)
	var schemaErr *dberrors.SchemaChangeError
	require.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, "t2", schemaErr.Tenant)
	assert.Equal(t, "items", schemaErr.Table)

	for _, name := range []string{"main", "t1", "t2"} {
		indexes, err := m.SchemaService.ListIndexes(ctx, main.Tenant(name))
		require.NoError(t, err)
		assert.Empty(t, indexes, name)
	}
	log, err := m.BranchService.Changes("d", "main")
	require.NoError(t, err)
	assert.Len(t, log, 2)
}

func TestNotNullColumnWithoutDefaultIsRejected(t *testing.T) {
	m := newTestManager(t)
	main := newTestDatabase(t, m)
	ctx := context.Background()

	_, err := m.SchemaService.AddColumn(ctx, main, "users", models.Column{Name: "email", Type: "TEXT", NotNull: true})
	assert.True(t, dberrors.Is(err, dberrors.InvalidSchemaChange), "got %v", err)
	assert.NotContains(t, columnNames(t, m, main.Tenant("main"), "users"), "email")

	log, err := m.BranchService.Changes("d", "main")
	require.NoError(t, err)
	assert.Len(t, log, 1)

	_, err = m.SchemaService.AddColumn(ctx, main, "users", models.Column{Name: "email", Type: "TEXT", NotNull: true, Default: "'unknown'"})
	require.NoError(t, err)
	assert.Contains(t, columnNames(t, m, main.Tenant("main"), "users"), "email")
}

func TestInvalidDefinitionsNeverReachTheStore(t *testing.T) {
	m := newTestManager(t)
	main := newTestDatabase(t, m)
	ctx := context.Background()

	_, err := m.SchemaService.AddColumn(ctx, main, "users", models.Column{Name: "id", Type: "TEXT"})
	assert.True(t, dberrors.Is(err, dberrors.NotValid), "got %v", err)
	_, err = m.SchemaService.DropColumn(ctx, main, "users", "created_at")
	assert.True(t, dberrors.Is(err, dberrors.NotValid), "got %v", err)
	_, err = m.SchemaService.CreateTable(ctx, main, "bad name", nil)
	assert.True(t, dberrors.Is(err, dberrors.NotValid), "got %v", err)
	_, err = m.SchemaService.CreateTable(ctx, layout.BranchKey{Database: "d", Branch: "ghost"}, "t", nil)
	assert.True(t, dberrors.Is(err, dberrors.NotFound), "got %v", err)

	log, err := m.BranchService.Changes("d", "main")
	require.NoError(t, err)
	assert.Len(t, log, 1)
}

func TestConcurrentSchemaChangesAreSerialized(t *testing.T) {
	m := newTestManager(t)
	main := newTestDatabase(t, m)
	ctx := context.Background()

	tables := []string{"a", "b", "c", "d", "e", "f"}
	var wg sync.WaitGroup
	errs := make(chan error, len(tables))
	for _, name := range tables {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, err := m.SchemaService.CreateTable(ctx, main, name, nil)
			errs <- err
		}(name)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	log, err := m.BranchService.Changes("d", "main")
	require.NoError(t, err)
	require.Len(t, log, len(tables)+1)
	for i, entry := range log {
		assert.Equal(t, int64(i+1), entry.Sequence)
	}

	got, err := m.SchemaService.ListTables(ctx, main.Tenant("main"))
	require.NoError(t, err)
	assert.Len(t, got, len(tables)+1)
}

func TestViewAndColumnLifecycle(t *testing.T) {
	m := newTestManager(t)
	main := newTestDatabase(t, m)
	ctx := context.Background()

	_, err := m.SchemaService.AddColumn(ctx, main, "users", models.Column{Name: "age", Type: "INTEGER"})
	require.NoError(t, err)
	_, err = m.SchemaService.CreateView(ctx, main, "adults", "SELECT name FROM users WHERE age >= 18")
	require.NoError(t, err)
	_, err = m.SchemaService.UpdateView(ctx, main, "adults", "SELECT name, age FROM users WHERE age >= 21")
	require.NoError(t, err)

	cols, err := m.SchemaService.DescribeTable(ctx, main.Tenant("main"), "adults")
	require.NoError(t, err)
	assert.Len(t, cols, 2)

	_, err = m.SchemaService.DropView(ctx, main, "adults")
	require.NoError(t, err)
	_, err = m.SchemaService.CreateIndex(ctx, main, "users_age", "users", []string{"age"}, false)
	require.NoError(t, err)
	indexes, err := m.SchemaService.ListIndexes(ctx, main.Tenant("main"))
	require.NoError(t, err)
	assert.Equal(t, []string{"users_age"}, indexes)

	_, err = m.SchemaService.DropIndex(ctx, main, "users_age")
	require.NoError(t, err)
	_, err = m.SchemaService.DropColumn(ctx, main, "users", "age")
	require.NoError(t, err)
	assert.NotContains(t, columnNames(t, m, main.Tenant("main"), "users"), "age")

	_, err = m.SchemaService.DropTable(ctx, main, "users")
	require.NoError(t, err)
	_, err = m.SchemaService.DescribeTable(ctx, main.Tenant("main"), "users")
	assert.True(t, dberrors.Is(err, dberrors.NotFound), "got %v", err)

	log, err := m.BranchService.Changes("d", "main")
	require.NoError(t, err)
	types := make([]models.ChangeType, 0, len(log))
	for _, e := range log {
		types = append(types, e.Type)
	}
	assert.Equal(t, []models.ChangeType{
		models.CreateTable, models.AddColumn, models.CreateView, models.UpdateView,
		models.DropView, models.CreateIndex, models.DropIndex, models.DropColumn, models.DropTable,
	}, types)

	// A tenant created now replays the whole log and ends up identical.
	_, err = m.TenantService.Create(ctx, main, "late", "")
	require.NoError(t, err)
	late, err := m.SchemaService.Schema(ctx, main.Tenant("late"))
	require.NoError(t, err)
	assert.Empty(t, late)
}
