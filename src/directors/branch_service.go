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

// BranchService manages the branches of a database.
type BranchService struct {
	layout   *layout.Layout
	registry *connpool.Registry
	store    engine.BranchStore
	changes  engine.ChangeLogStore
	sections *engine.MutationSection
	factory  engine.EntityFactory
	project  *ProjectService
	settings *settings.Arguments
	logger   *zap.SugaredLogger
}

func NewBranchService(l *layout.Layout, registry *connpool.Registry, store engine.BranchStore,
	changes engine.ChangeLogStore, sections *engine.MutationSection, factory engine.EntityFactory,
	project *ProjectService, settings *settings.Arguments, logger *zap.SugaredLogger) *BranchService {
	return &BranchService{
		layout:   l,
		registry: registry,
		store:    store,
		changes:  changes,
		sections: sections,
		factory:  factory,
		project:  project,
		settings: settings,
		logger:   logger,
	}
}

// Create copies branch from, every tenant store and its change log
// included, under a new name. The copy is assembled in a staging directory
// while from's mutation section is held and then renamed into place.
func (s *BranchService) Create(ctx context.Context, database, name, from string) (*models.Branch, error) {
	ctx, cancel := operationContext(ctx, s.settings)
	defer cancel()

	if from == "" {
		from = layout.MainName
	}
	source := layout.BranchKey{Database: database, Branch: from}
	target := layout.BranchKey{Database: database, Branch: name}
	if err := layout.ValidateName("branch", name); err != nil {
		return nil, err
	}
	if err := requireBranch(s.layout, source); err != nil {
		return nil, err
	}
	if s.layout.BranchExists(target) || helpers.DirExists(s.layout.BranchDir(target)) {
		return nil, fmt.Errorf("branch %q of database %q: %w", name, database, dberrors.AlreadyExists)
	}

	if err := s.sections.Lock(ctx, source); err != nil {
		return nil, err
	}
	defer s.sections.Unlock(source)
	// The database or the source may have been deleted while waiting.
	if err := requireBranch(s.layout, source); err != nil {
		return nil, err
	}

	staging := layout.StagingPath(s.layout.BranchesDir(database), helpers.GenerateUUID())
	branch, err := s.copyBranch(ctx, source, layout.BranchFiles(staging), name)
	if err != nil {
		os.RemoveAll(staging)
		return nil, err
	}

	if err := os.Rename(staging, s.layout.BranchDir(target)); err != nil {
		os.RemoveAll(staging)
		if helpers.DirExists(s.layout.BranchDir(target)) {
			return nil, fmt.Errorf("branch %q of database %q: %w", name, database, dberrors.AlreadyExists)
		}
		return nil, fmt.Errorf("failed to move branch %q into place: %w", name, err)
	}
	if err := helpers.SyncDir(s.layout.BranchesDir(database)); err != nil {
		return nil, err
	}

	s.logger.Infof("Created branch %s from %s", target, from)
	return branch, nil
}

func (s *BranchService) copyBranch(ctx context.Context, source layout.BranchKey, files layout.BranchFiles, name string) (*models.Branch, error) {
	if err := os.MkdirAll(files.TenantsDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create branch directory: %w", err)
	}

	parent, err := s.store.LoadBranch(source)
	if err != nil {
		return nil, err
	}
	branch := s.factory.NewBranch(source.Database, name, source.Branch)
	branch.DatabaseID = parent.DatabaseID

	tenants, err := s.layout.ListTenants(source)
	if err != nil {
		return nil, err
	}
	for _, tenant := range tenants {
		branch.Tenants[tenant] = s.factory.NewID()
		dst := files.Store(tenant)
		err := s.registry.Snapshot(ctx, source.Tenant(tenant), func(src string) error {
			return helpers.CopyFile(src, dst)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to copy tenant %q: %w", tenant, err)
		}
		s.logger.Debugf("Copied tenant %s of %s", tenant, source)
	}
	if err := helpers.SyncDir(files.TenantsDir()); err != nil {
		return nil, err
	}

	if err := helpers.CopyFile(s.layout.ChangesPath(source), files.Changes()); err != nil {
		return nil, fmt.Errorf("failed to copy change log: %w", err)
	}

	if err := s.store.WriteBranchFile(files.Metadata(), branch); err != nil {
		return nil, err
	}
	return branch, nil
}

// Delete removes a branch with all of its tenants.
func (s *BranchService) Delete(ctx context.Context, database, name string) error {
	ctx, cancel := operationContext(ctx, s.settings)
	defer cancel()

	if name == layout.MainName {
		return fmt.Errorf("cannot delete branch %q: %w", name, dberrors.Protected)
	}
	key := layout.BranchKey{Database: database, Branch: name}
	if err := requireBranch(s.layout, key); err != nil {
		return err
	}

	if err := s.sections.Lock(ctx, key); err != nil {
		return err
	}
	defer s.sections.Unlock(key)

	reinstate, err := s.registry.RetireBranch(ctx, key)
	if err != nil {
		return err
	}
	defer reinstate()

	tomb := layout.StagingPath(s.layout.BranchesDir(database), "deleted-"+helpers.GenerateUUID())
	if err := os.Rename(s.layout.BranchDir(key), tomb); err != nil {
		return fmt.Errorf("failed to delete branch %s: %w", key, err)
	}
	if err := helpers.SyncDir(s.layout.BranchesDir(database)); err != nil {
		return err
	}
	if err := os.RemoveAll(tomb); err != nil {
		s.logger.Warnf("Branch %s removed but its files remain at %s: %v", key, tomb, err)
	}

	s.logger.Infof("Deleted branch %s", key)
	return nil
}

// Switch records database/name as the current context in the project
// configuration. The active tenant is kept when it exists on the branch and
// reset to main otherwise. Storage is not touched.
func (s *BranchService) Switch(database, name string) (models.Context, error) {
	key := layout.BranchKey{Database: database, Branch: name}
	if err := requireBranch(s.layout, key); err != nil {
		return models.Context{}, err
	}

	current, err := s.project.CurrentContext()
	if err != nil && !dberrors.Is(err, dberrors.NotFound) {
		return models.Context{}, err
	}
	next := models.Context{Database: database, Branch: name, Tenant: current.Tenant}
	if next.Tenant == "" || !s.layout.TenantExists(key.Tenant(next.Tenant)) {
		next.Tenant = layout.MainName
	}
	if err := s.project.SetContext(next); err != nil {
		return models.Context{}, err
	}

	s.logger.Infof("Switched to branch %s", key)
	return next, nil
}

func (s *BranchService) Get(database, name string) (*models.Branch, error) {
	key := layout.BranchKey{Database: database, Branch: name}
	if err := requireBranch(s.layout, key); err != nil {
		return nil, err
	}
	return s.store.LoadBranch(key)
}

func (s *BranchService) List(database string) ([]*models.Branch, error) {
	if err := requireDatabase(s.layout, database); err != nil {
		return nil, err
	}
	return s.store.LoadAllBranches(database)
}

// Changes returns the change log of a branch.
func (s *BranchService) Changes(database, name string) ([]models.ChangeEntry, error) {
	key := layout.BranchKey{Database: database, Branch: name}
	if err := requireBranch(s.layout, key); err != nil {
		return nil, err
	}
	return s.changes.ReadAll(key)
}

// Compare reports the change entries unique to each of two branches.
func (s *BranchService) Compare(database, left, right string) (models.Comparison, error) {
	leftLog, err := s.Changes(database, left)
	if err != nil {
		return models.Comparison{}, err
	}
	rightLog, err := s.Changes(database, right)
	if err != nil {
		return models.Comparison{}, err
	}
	return engine.CompareLogs(left, right, leftLog, rightLog), nil
}
