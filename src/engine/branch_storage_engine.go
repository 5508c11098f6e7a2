package engine

import (
	"fmt"
	"os"

	"branchdb/src/dberrors"
	"branchdb/src/helpers"
	"branchdb/src/layout"
	"branchdb/src/models"

	"go.uber.org/zap"
)

// BranchStore defines the interface for branch metadata storage operations
type BranchStore interface {
	LoadBranch(key layout.BranchKey) (*models.Branch, error)

	LoadAllBranches(database string) ([]*models.Branch, error)

	// WriteBranchFile writes metadata to an explicit path, used while a
	// branch is still being assembled in a staging directory.
	WriteBranchFile(path string, branch *models.Branch) error

	UpdateBranch(key layout.BranchKey, branch *models.Branch) error
}

type BranchStorageEngine struct {
	layout *layout.Layout
	logger *zap.SugaredLogger
}

func NewBranchStore(l *layout.Layout, logger *zap.SugaredLogger) *BranchStorageEngine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &BranchStorageEngine{layout: l, logger: logger}
}

// LoadBranch reads the metadata.json of a branch.
func (b *BranchStorageEngine) LoadBranch(key layout.BranchKey) (*models.Branch, error) {
	path := b.layout.MetadataPath(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("branch %q of database %q: %w", key.Branch, key.Database, dberrors.NotFound)
		}
		return nil, fmt.Errorf("error opening branch metadata %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("branch metadata %s is empty: %w", path, dberrors.StorageCorrupt)
	}

	branch := &models.Branch{}
	if err := helpers.DecodeJSON(data, branch); err != nil {
		return nil, fmt.Errorf("branch metadata %s: %w: %w", path, dberrors.StorageCorrupt, err)
	}

	if branch.Tenants == nil {
		branch.Tenants = map[string]string{}
	}
	// The directory name is authoritative.
	branch.Name = key.Branch
	branch.Database = key.Database
	return branch, nil
}

// LoadAllBranches loads the metadata of every visible branch of a database
func (b *BranchStorageEngine) LoadAllBranches(database string) ([]*models.Branch, error) {
	names, err := b.layout.ListBranches(database)
	if err != nil {
		return nil, err
	}

	branches := make([]*models.Branch, 0, len(names))
	for _, name := range names {
		branch, err := b.LoadBranch(layout.BranchKey{Database: database, Branch: name})
		if err != nil {
			return nil, err
		}
		branches = append(branches, branch)
	}
	return branches, nil
}

func (b *BranchStorageEngine) WriteBranchFile(path string, branch *models.Branch) error {
	data, err := helpers.EncodeJSON(branch)
	if err != nil {
		return fmt.Errorf("error encoding branch %q: %w", branch.Name, err)
	}
	if err := helpers.WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write branch metadata: %w", err)
	}
	return nil
}

// UpdateBranch replaces the metadata of an existing branch.
func (b *BranchStorageEngine) UpdateBranch(key layout.BranchKey, branch *models.Branch) error {
	if !b.layout.BranchExists(key) {
		return fmt.Errorf("branch %q of database %q: %w", key.Branch, key.Database, dberrors.NotFound)
	}
	return b.WriteBranchFile(b.layout.MetadataPath(key), branch)
}
