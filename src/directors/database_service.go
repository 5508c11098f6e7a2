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

// DatabaseService manages operations on databases
type DatabaseService struct {
	layout   *layout.Layout
	registry *connpool.Registry
	store    engine.BranchStore
	factory  engine.EntityFactory
	sections *engine.MutationSection
	settings *settings.Arguments
	logger   *zap.SugaredLogger
}

// NewDatabaseService creates a new DatabaseService
func NewDatabaseService(l *layout.Layout, registry *connpool.Registry, store engine.BranchStore,
	factory engine.EntityFactory,
	sections *engine.MutationSection,
	settings *settings.Arguments,
	logger *zap.SugaredLogger) *DatabaseService {
	return &DatabaseService{
		layout:   l,
		registry: registry,
		store:    store,
		factory:  factory,
		sections: sections,
		settings: settings,
		logger:   logger,
	}
}

// Create builds a database with a main branch holding an empty main tenant.
// The tree is assembled in a hidden staging directory and renamed into
// place, so a half-created database is never visible.
func (s *DatabaseService) Create(ctx context.Context, name string) (*models.Database, error) {
	ctx, cancel := operationContext(ctx, s.settings)
	defer cancel()

	if err := layout.ValidateName("database", name); err != nil {
		return nil, err
	}
	if s.layout.DatabaseExists(name) || helpers.DirExists(s.layout.DatabaseDir(name)) {
		return nil, fmt.Errorf("database %q: %w", name, dberrors.AlreadyExists)
	}
	if err := os.MkdirAll(s.layout.DatabasesDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create databases directory: %w", err)
	}

	staging := layout.StagingPath(s.layout.DatabasesDir(), helpers.GenerateUUID())
	if err := s.buildDatabase(ctx, staging, name); err != nil {
		os.RemoveAll(staging)
		return nil, err
	}

	if err := os.Rename(staging, s.layout.DatabaseDir(name)); err != nil {
		os.RemoveAll(staging)
		if helpers.DirExists(s.layout.DatabaseDir(name)) {
			return nil, fmt.Errorf("database %q: %w", name, dberrors.AlreadyExists)
		}
		return nil, fmt.Errorf("failed to move database %q into place: %w", name, err)
	}
	if err := helpers.SyncDir(s.layout.DatabasesDir()); err != nil {
		return nil, err
	}

	s.logger.Infof("Created database %s", name)
	return s.Get(name)
}

func (s *DatabaseService) buildDatabase(ctx context.Context, dir, name string) error {
	files := layout.BranchFilesIn(dir, layout.MainName)
	if err := os.MkdirAll(files.TenantsDir(), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	if err := engine.WriteEmptyChangeLog(files.Changes()); err != nil {
		return err
	}

	db, err := s.registry.OpenUnpooled(ctx, files.Store(layout.MainName), true)
	if err != nil {
		return fmt.Errorf("failed to create main tenant of %q: %w", name, err)
	}
	if err := s.registry.CloseUnpooled(ctx, db); err != nil {
		return err
	}
	if err := helpers.SyncDir(files.TenantsDir()); err != nil {
		return err
	}

	// Metadata last: it is what makes the branch visible.
	branch := s.factory.NewBranch(name, layout.MainName, "")
	branch.DatabaseID = s.factory.NewID()
	branch.Tenants[layout.MainName] = s.factory.NewID()
	return s.store.WriteBranchFile(files.Metadata(), branch)
}

// Delete removes a database with all of its branches and tenants. The
// mutation section of every branch is held while the tree is removed.
func (s *DatabaseService) Delete(ctx context.Context, name string) error {
	ctx, cancel := operationContext(ctx, s.settings)
	defer cancel()

	if name == layout.MainName {
		return fmt.Errorf("cannot delete database %q: %w", name, dberrors.Protected)
	}
	if err := requireDatabase(s.layout, name); err != nil {
		return err
	}

	held, err := s.lockBranches(ctx, name)
	defer func() {
		for _, key := range held {
			s.sections.Unlock(key)
		}
	}()
	if err != nil {
		return err
	}
	if err := requireDatabase(s.layout, name); err != nil {
		return err
	}

	reinstate, err := s.registry.RetireDatabase(ctx, name)
	if err != nil {
		return err
	}
	defer reinstate()

	tomb := layout.StagingPath(s.layout.DatabasesDir(), "deleted-"+helpers.GenerateUUID())
	if err := os.Rename(s.layout.DatabaseDir(name), tomb); err != nil {
		return fmt.Errorf("failed to delete database %q: %w", name, err)
	}
	if err := helpers.SyncDir(s.layout.DatabasesDir()); err != nil {
		return err
	}
	if err := os.RemoveAll(tomb); err != nil {
		s.logger.Warnf("Database %s removed but its files remain at %s: %v", name, tomb, err)
	}

	s.logger.Infof("Deleted database %s", name)
	return nil
}

// lockBranches enters the section of every branch of database, including
// branches that appear while it waits. It returns the sections it holds.
func (s *DatabaseService) lockBranches(ctx context.Context, database string) ([]layout.BranchKey, error) {
	var held []layout.BranchKey
	locked := map[string]bool{}
	for {
		names, err := s.layout.ListBranches(database)
		if err != nil {
			return held, err
		}
		added := false
		for _, name := range names {
			if locked[name] {
				continue
			}
			key := layout.BranchKey{Database: database, Branch: name}
			if err := s.sections.Lock(ctx, key); err != nil {
				return held, err
			}
			held = append(held, key)
			locked[name] = true
			added = true
		}
		if !added {
			return held, nil
		}
	}
}

// Get returns a database and its branch names.
func (s *DatabaseService) Get(name string) (*models.Database, error) {
	if err := requireDatabase(s.layout, name); err != nil {
		return nil, err
	}
	branches, err := s.layout.ListBranches(name)
	if err != nil {
		return nil, err
	}
	created, modified, err := helpers.FileTimes(s.layout.DatabaseDir(name))
	if err != nil {
		return nil, fmt.Errorf("failed to get database %q: %w", name, err)
	}
	main, err := s.store.LoadBranch(layout.BranchKey{Database: name, Branch: layout.MainName})
	if err != nil {
		return nil, err
	}
	return &models.Database{
		ID:        main.DatabaseID,
		Name:      name,
		Branches:  branches,
		CreatedAt: created,
		UpdatedAt: modified,
	}, nil
}

// List returns every visible database in name order.
func (s *DatabaseService) List() ([]*models.Database, error) {
	names, err := s.layout.ListDatabases()
	if err != nil {
		return nil, err
	}
	databases := make([]*models.Database, 0, len(names))
	for _, name := range names {
		db, err := s.Get(name)
		if err != nil {
			return nil, err
		}
		databases = append(databases, db)
	}
	return databases, nil
}

func (s *DatabaseService) Exists(name string) bool {
	return layout.ValidateName("database", name) == nil && s.layout.DatabaseExists(name)
}
