package engine

import (
	"time"

	"branchdb/src/helpers"
	"branchdb/src/models"

	"github.com/juju/clock"
)

// EntityFactory creates new entity instances with ids and timestamps filled in.
type EntityFactory interface {
	NewBranch(database, name, parent string) *models.Branch
	NewID() string
	Now() time.Time
	NewChange(branch string, changeType models.ChangeType, entityType, target, definition string, details map[string]string) models.ChangeEntry
}

// EntityFactoryImpl is a concrete implementation of EntityFactory
type EntityFactoryImpl struct {
	clock clock.Clock
}

// NewEntityFactory creates a new instance of EntityFactory. A nil clock
// means the wall clock.
func NewEntityFactory(clk clock.Clock) *EntityFactoryImpl {
	if clk == nil {
		clk = clock.WallClock
	}
	return &EntityFactoryImpl{clock: clk}
}

// NewBranch creates the metadata of a branch copied from parent.
func (f *EntityFactoryImpl) NewBranch(database, name, parent string) *models.Branch {
	now := f.clock.Now().UTC()
	return &models.Branch{
		ID:           helpers.GenerateUUID(),
		Name:         name,
		ParentBranch: parent,
		Database:     database,
		Tenants:      map[string]string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NewID returns a fresh entity ID.
func (f *EntityFactoryImpl) NewID() string {
	return helpers.GenerateUUID()
}

// NewChange creates a change entry. The sequence is assigned on append.
func (f *EntityFactoryImpl) NewChange(branch string, changeType models.ChangeType, entityType, target, definition string, details map[string]string) models.ChangeEntry {
	now := f.clock.Now().UTC()
	return models.ChangeEntry{
		ID:         helpers.GenerateUUID(),
		Type:       changeType,
		EntityType: entityType,
		TargetName: target,
		Definition: definition,
		Details:    details,
		Branch:     branch,
		Timestamp:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Now returns the factory clock's current time in UTC.
func (f *EntityFactoryImpl) Now() time.Time {
	return f.clock.Now().UTC()
}
