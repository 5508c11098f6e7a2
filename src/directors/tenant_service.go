package directors

import (
	"context"
	"fmt"
	"os"

	"branchdb/src/connpool"
	"branchdb/src/dberrors"
	"branchdb/src/engine"
	"branchdb/src/helpers"
	"branchdb/src/layout"
	"branchdb/src/models"
	"branchdb/src/settings"

	"go.uber.org/zap"
)

// TenantService manages the tenant stores of a branch. Structural
// operations hold the branch's mutation section.
type TenantService struct {
	layout   *layout.Layout
	registry *connpool.Registry
	store    engine.BranchStore
	changes  engine.ChangeLogStore
	sections *engine.MutationSection
	factory  engine.EntityFactory
	settings *settings.Arguments
	logger   *zap.SugaredLogger
}

func NewTenantService(l *layout.Layout, registry *connpool.Registry, store engine.BranchStore,
	changes engine.ChangeLogStore, sections *engine.MutationSection, factory engine.EntityFactory,
	settings *settings.Arguments, logger *zap.SugaredLogger) *TenantService {
	return &TenantService{
		layout:   l,
		registry: registry,
		store:    store,
		changes:  changes,
		sections: sections,
		factory:  factory,
		settings: settings,
		logger:   logger,
	}
}

// Create adds a tenant to a branch. Without cloneFrom the store is built
// by replaying the branch's change log into an empty store, so it has the
// schema of its siblings and no rows. With cloneFrom the named tenant's
// store is copied byte for byte, rows included.
func (s *TenantService) Create(ctx context.Context, branch layout.BranchKey, name, cloneFrom string) (*models.Tenant, error) {
	ctx, cancel := operationContext(ctx, s.settings)
	defer cancel()

	if err := layout.ValidateName("tenant", name); err != nil {
		return nil, err
	}
	if err := requireBranch(s.layout, branch); err != nil {
		return nil, err
	}
	if cloneFrom != "" {
		if err := requireTenant(s.layout, branch.Tenant(cloneFrom)); err != nil {
			return nil, err
		}
	}

	if err := s.sections.Lock(ctx, branch); err != nil {
		return nil, err
	}
	defer s.sections.Unlock(branch)
	if err := requireBranch(s.layout, branch); err != nil {
		return nil, err
	}

	key := branch.Tenant(name)
	if s.layout.TenantExists(key) {
		return nil, fmt.Errorf("tenant %q of %s: %w", name, branch, dberrors.AlreadyExists)
	}
	if err := os.MkdirAll(s.layout.TenantsDir(branch), 0755); err != nil {
		return nil, fmt.Errorf("failed to create tenants directory: %w", err)
	}

	staging := s.layout.StagingStorePath(branch, helpers.GenerateUUID())
	var err error
	if cloneFrom == "" {
		err = s.buildFromChangeLog(ctx, branch, name, staging)
	} else {
		err = s.registry.Snapshot(ctx, branch.Tenant(cloneFrom), func(src string) error {
			return helpers.CopyFile(src, staging)
		})
	}
	if err != nil {
		helpers.RemoveStoreFiles(staging)
		return nil, err
	}

	// The ID is recorded before the store becomes visible.
	err = touchBranch(s.store, branch, s.factory.Now(), func(b *models.Branch) {
		b.Tenants[name] = s.factory.NewID()
	})
	if err != nil {
		helpers.RemoveStoreFiles(staging)
		return nil, err
	}
	if err := helpers.RenameStore(staging, s.layout.StorePath(key)); err != nil {
		helpers.RemoveStoreFiles(staging)
		return nil, err
	}

	if cloneFrom == "" {
		s.logger.Infof("Created tenant %s", key)
	} else {
		s.logger.Infof("Created tenant %s as a copy of %s", key, cloneFrom)
	}
	return s.Get(branch, name)
}

func (s *TenantService) buildFromChangeLog(ctx context.Context, branch layout.BranchKey, name, path string) error {
	entries, err := s.changes.ReadAll(branch)
	if err != nil {
		return err
	}

	db, err := s.registry.OpenUnpooled(ctx, path, true)
	if err != nil {
		return err
	}
	if err := replayInto(ctx, db, name, entries, s.logger); err != nil {
		db.Close()
		return err
	}
	return s.registry.CloseUnpooled(ctx, db)
}

// Copy creates dst as a full copy of src.
func (s *TenantService) Copy(ctx context.Context, branch layout.BranchKey, src, dst string) (*models.Tenant, error) {
	if src == "" {
		return nil, fmt.Errorf("copy source tenant must be named: %w", dberrors.NotValid)
	}
	return s.Create(ctx, branch, dst, src)
}

// Rename moves a tenant's store and side files to a new name.
func (s *TenantService) Rename(ctx context.Context, branch layout.BranchKey, oldName, newName string) (*models.Tenant, error) {
	ctx, cancel := operationContext(ctx, s.settings)
	defer cancel()

	if oldName == layout.MainName {
		return nil, fmt.Errorf("cannot rename tenant %q: %w", oldName, dberrors.Protected)
	}
	if err := layout.ValidateName("tenant", newName); err != nil {
		return nil, err
	}
	if err := requireTenant(s.layout, branch.Tenant(oldName)); err != nil {
		return nil, err
	}

	if err := s.sections.Lock(ctx, branch); err != nil {
		return nil, err
	}
	defer s.sections.Unlock(branch)

	if s.layout.TenantExists(branch.Tenant(newName)) {
		return nil, fmt.Errorf("tenant %q of %s: %w", newName, branch, dberrors.AlreadyExists)
	}
	reinstate, err := s.registry.Retire(ctx, branch.Tenant(oldName))
	if err != nil {
		return nil, err
	}
	defer reinstate()

	// Both names map to the ID while the store moves.
	now := s.factory.Now()
	err = touchBranch(s.store, branch, now, func(b *models.Branch) {
		b.Tenants[newName] = b.Tenants[oldName]
	})
	if err != nil {
		return nil, err
	}
	if err := helpers.RenameStore(s.layout.StorePath(branch.Tenant(oldName)), s.layout.StorePath(branch.Tenant(newName))); err != nil {
		return nil, err
	}
	err = touchBranch(s.store, branch, now, func(b *models.Branch) {
		delete(b.Tenants, oldName)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infof("Renamed tenant %s to %s", branch.Tenant(oldName), newName)
	return s.Get(branch, newName)
}

// Delete removes a tenant's store together with its side files.
func (s *TenantService) Delete(ctx context.Context, branch layout.BranchKey, name string) error {
	ctx, cancel := operationContext(ctx, s.settings)
	defer cancel()

	if name == layout.MainName {
		return fmt.Errorf("cannot delete tenant %q: %w", name, dberrors.Protected)
	}
	key := branch.Tenant(name)
	if err := requireTenant(s.layout, key); err != nil {
		return err
	}

	if err := s.sections.Lock(ctx, branch); err != nil {
		return err
	}
	defer s.sections.Unlock(branch)

	reinstate, err := s.registry.Retire(ctx, key)
	if err != nil {
		return err
	}
	defer reinstate()
	if err := helpers.RemoveStoreFiles(s.layout.StorePath(key)); err != nil {
		return err
	}
	if err := helpers.SyncDir(s.layout.TenantsDir(branch)); err != nil {
		return err
	}
	err = touchBranch(s.store, branch, s.factory.Now(), func(b *models.Branch) {
		delete(b.Tenants, name)
	})
	if err != nil {
		return err
	}

	s.logger.Infof("Deleted tenant %s", key)
	return nil
}

func (s *TenantService) Get(branch layout.BranchKey, name string) (*models.Tenant, error) {
	key := branch.Tenant(name)
	if err := requireTenant(s.layout, key); err != nil {
		return nil, err
	}
	path := s.layout.StorePath(key)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant %s: %w", key, err)
	}
	created, modified, err := helpers.FileTimes(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant %s: %w", key, err)
	}
	meta, err := s.store.LoadBranch(branch)
	if err != nil {
		return nil, err
	}
	return &models.Tenant{
		ID:        meta.Tenants[name],
		Name:      name,
		Database:  branch.Database,
		Branch:    branch.Branch,
		SizeBytes: info.Size(),
		CreatedAt: created,
		UpdatedAt: modified,
	}, nil
}

// List returns the tenants of a branch in name order.
func (s *TenantService) List(branch layout.BranchKey) ([]*models.Tenant, error) {
	if err := requireBranch(s.layout, branch); err != nil {
		return nil, err
	}
	names, err := s.layout.ListTenants(branch)
	if err != nil {
		return nil, err
	}
	tenants := make([]*models.Tenant, 0, len(names))
	for _, name := range names {
		tenant, err := s.Get(branch, name)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, tenant)
	}
	return tenants, nil
}
