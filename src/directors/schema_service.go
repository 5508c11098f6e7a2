package directors

import (
	"context"
	"fmt"

	"branchdb/src/connpool"
	"branchdb/src/dberrors"
	"branchdb/src/engine"
	"branchdb/src/layout"
	"branchdb/src/models"
	"branchdb/src/settings"

	"go.uber.org/zap"
)

// SchemaService applies structural changes to every tenant of a branch and
// records them in the branch's change log. An entry is appended only after
// every tenant accepted the change.
type SchemaService struct {
	layout   *layout.Layout
	registry *connpool.Registry
	store    engine.BranchStore
	changes  engine.ChangeLogStore
	sections *engine.MutationSection
	builder  *engine.StatementBuilder
	factory  engine.EntityFactory
	applier  *tenantApplier
	settings *settings.Arguments
	logger   *zap.SugaredLogger
}

func NewSchemaService(l *layout.Layout, registry *connpool.Registry, store engine.BranchStore,
	changes engine.ChangeLogStore, sections *engine.MutationSection, builder *engine.StatementBuilder,
	factory engine.EntityFactory, settings *settings.Arguments, logger *zap.SugaredLogger) *SchemaService {
	return &SchemaService{
		layout:   l,
		registry: registry,
		store:    store,
		changes:  changes,
		sections: sections,
		builder:  builder,
		factory:  factory,
		applier:  &tenantApplier{layout: l, registry: registry, logger: logger},
		settings: settings,
		logger:   logger,
	}
}

// Execute applies entry to every tenant of branch and appends it to the
// change log. On failure no tenant and no log entry is changed.
func (s *SchemaService) Execute(ctx context.Context, branch layout.BranchKey, entry models.ChangeEntry) (models.ChangeEntry, error) {
	ctx, cancel := operationContext(ctx, s.settings)
	defer cancel()

	if err := requireBranch(s.layout, branch); err != nil {
		return models.ChangeEntry{}, err
	}
	if err := s.sections.Lock(ctx, branch); err != nil {
		return models.ChangeEntry{}, err
	}
	defer s.sections.Unlock(branch)
	if err := requireBranch(s.layout, branch); err != nil {
		return models.ChangeEntry{}, err
	}

	tenants, err := s.applier.Apply(ctx, branch, []models.ChangeEntry{entry})
	if err != nil {
		return models.ChangeEntry{}, err
	}
	stored, err := s.changes.Append(branch, entry)
	if err != nil {
		s.logger.Errorf("Applied %s %s to %d tenant(s) of %s but failed to record it: %v",
			entry.Type, entry.TargetName, len(tenants), branch, err)
		return models.ChangeEntry{}, err
	}
	if err := touchBranch(s.store, branch, s.factory.Now(), nil); err != nil {
		s.logger.Warnf("Change #%d recorded but the metadata of %s was not updated: %v", stored.Sequence, branch, err)
	}

	s.logger.Infof("Applied %s %s to %d tenant(s) of %s as change #%d",
		stored.Type, stored.TargetName, len(tenants), branch, stored.Sequence)
	return stored, nil
}

func (s *SchemaService) CreateTable(ctx context.Context, branch layout.BranchKey, table string, columns []models.Column) (models.ChangeEntry, error) {
	entry, err := s.builder.CreateTable(branch.Branch, table, columns)
	if err != nil {
		return models.ChangeEntry{}, err
	}
	return s.Execute(ctx, branch, entry)
}

func (s *SchemaService) DropTable(ctx context.Context, branch layout.BranchKey, table string) (models.ChangeEntry, error) {
	entry, err := s.builder.DropTable(branch.Branch, table)
	if err != nil {
		return models.ChangeEntry{}, err
	}
	return s.Execute(ctx, branch, entry)
}

func (s *SchemaService) AddColumn(ctx context.Context, branch layout.BranchKey, table string, column models.Column) (models.ChangeEntry, error) {
	entry, err := s.builder.AddColumn(branch.Branch, table, column)
	if err != nil {
		return models.ChangeEntry{}, err
	}
	return s.Execute(ctx, branch, entry)
}

func (s *SchemaService) DropColumn(ctx context.Context, branch layout.BranchKey, table, column string) (models.ChangeEntry, error) {
	entry, err := s.builder.DropColumn(branch.Branch, table, column)
	if err != nil {
		return models.ChangeEntry{}, err
	}
	return s.Execute(ctx, branch, entry)
}

func (s *SchemaService) RenameColumn(ctx context.Context, branch layout.BranchKey, table, oldName, newName string) (models.ChangeEntry, error) {
	entry, err := s.builder.RenameColumn(branch.Branch, table, oldName, newName)
	if err != nil {
		return models.ChangeEntry{}, err
	}
	return s.Execute(ctx, branch, entry)
}

func (s *SchemaService) CreateView(ctx context.Context, branch layout.BranchKey, view, query string) (models.ChangeEntry, error) {
	entry, err := s.builder.CreateView(branch.Branch, view, query)
	if err != nil {
		return models.ChangeEntry{}, err
	}
	return s.Execute(ctx, branch, entry)
}

func (s *SchemaService) UpdateView(ctx context.Context, branch layout.BranchKey, view, query string) (models.ChangeEntry, error) {
	entry, err := s.builder.UpdateView(branch.Branch, view, query)
	if err != nil {
		return models.ChangeEntry{}, err
	}
	return s.Execute(ctx, branch, entry)
}

func (s *SchemaService) DropView(ctx context.Context, branch layout.BranchKey, view string) (models.ChangeEntry, error) {
	entry, err := s.builder.DropView(branch.Branch, view)
	if err != nil {
		return models.ChangeEntry{}, err
	}
	return s.Execute(ctx, branch, entry)
}

func (s *SchemaService) CreateIndex(ctx context.Context, branch layout.BranchKey, index, table string, columns []string, unique bool) (models.ChangeEntry, error) {
	entry, err := s.builder.CreateIndex(branch.Branch, index, table, columns, unique)
	if err != nil {
		return models.ChangeEntry{}, err
	}
	return s.Execute(ctx, branch, entry)
}

func (s *SchemaService) DropIndex(ctx context.Context, branch layout.BranchKey, index string) (models.ChangeEntry, error) {
	entry, err := s.builder.DropIndex(branch.Branch, index)
	if err != nil {
		return models.ChangeEntry{}, err
	}
	return s.Execute(ctx, branch, entry)
}

// Schema returns the tables, views and indexes of one tenant, internal
// objects excluded, ordered by type and name.
func (s *SchemaService) Schema(ctx context.Context, key layout.StoreKey) ([]models.SchemaObject, error) {
	return s.schemaObjects(ctx, key, "")
}

func (s *SchemaService) ListTables(ctx context.Context, key layout.StoreKey) ([]string, error) {
	return s.objectNames(ctx, key, "table")
}

func (s *SchemaService) ListViews(ctx context.Context, key layout.StoreKey) ([]string, error) {
	return s.objectNames(ctx, key, "view")
}

func (s *SchemaService) ListIndexes(ctx context.Context, key layout.StoreKey) ([]string, error) {
	return s.objectNames(ctx, key, "index")
}

// DescribeTable returns the columns of a table or view.
func (s *SchemaService) DescribeTable(ctx context.Context, key layout.StoreKey, table string) ([]models.ColumnInfo, error) {
	ctx, cancel := operationContext(ctx, s.settings)
	defer cancel()

	if err := requireTenant(s.layout, key); err != nil {
		return nil, err
	}
	mc, err := s.registry.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer s.registry.Release(mc)

	columns := []models.ColumnInfo{}
	if err := mc.DB().SelectContext(ctx, &columns, "SELECT cid, name, type, \"notnull\", dflt_value, pk FROM pragma_table_info(?)", table); err != nil {
		return nil, classifyStoreError(key.Tenant, err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %q of %s: %w", table, key, dberrors.NotFound)
	}
	return columns, nil
}

func (s *SchemaService) objectNames(ctx context.Context, key layout.StoreKey, kind string) ([]string, error) {
	objects, err := s.schemaObjects(ctx, key, kind)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(objects))
	for _, o := range objects {
		names = append(names, o.Name)
	}
	return names, nil
}

func (s *SchemaService) schemaObjects(ctx context.Context, key layout.StoreKey, kind string) ([]models.SchemaObject, error) {
	ctx, cancel := operationContext(ctx, s.settings)
	defer cancel()

	if err := requireTenant(s.layout, key); err != nil {
		return nil, err
	}
	mc, err := s.registry.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer s.registry.Release(mc)

	query := `SELECT type, name, tbl_name, sql FROM sqlite_master
		WHERE name NOT LIKE 'sqlite\_%' ESCAPE '\' AND (? = '' OR type = ?)
		ORDER BY type, name`
	objects := []models.SchemaObject{}
	if err := mc.DB().SelectContext(ctx, &objects, query, kind, kind); err != nil {
		return nil, classifyStoreError(key.Tenant, err)
	}
	return objects, nil
}
