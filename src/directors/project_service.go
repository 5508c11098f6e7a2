package directors

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"

	"branchdb/src/dberrors"
	"branchdb/src/helpers"
	"branchdb/src/layout"
	"branchdb/src/models"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

// ProjectService owns the project root and its persisted current context.
// Core operations never read the current context; it exists for callers
// that want a "current branch" convenience.
type ProjectService struct {
	layout    *layout.Layout
	databases *DatabaseService
	logger    *zap.SugaredLogger

	mu sync.Mutex
}

func NewProjectService(l *layout.Layout, databases *DatabaseService, logger *zap.SugaredLogger) *ProjectService {
	return &ProjectService{
		layout:    l,
		databases: databases,
		logger:    logger,
	}
}

// Initialized reports whether the project carries its configuration.
func (p *ProjectService) Initialized() bool {
	return helpers.FileExists(p.layout.ConfigPath(), p.logger)
}

// Init creates the project configuration and the main database.
func (p *ProjectService) Init(ctx context.Context) (models.Context, error) {
	if p.Initialized() {
		return models.Context{}, fmt.Errorf("project at %s: %w", p.layout.Root(), dberrors.AlreadyExists)
	}
	if err := os.MkdirAll(p.layout.ConfigDir(), 0755); err != nil {
		return models.Context{}, fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.MkdirAll(p.layout.DatabasesDir(), 0755); err != nil {
		return models.Context{}, fmt.Errorf("failed to create databases directory: %w", err)
	}
	if !p.databases.Exists(layout.MainName) {
		if _, err := p.databases.Create(ctx, layout.MainName); err != nil {
			return models.Context{}, err
		}
	}

	current := models.Context{Database: layout.MainName, Branch: layout.MainName, Tenant: layout.MainName}
	if err := p.SetContext(current); err != nil {
		return models.Context{}, err
	}
	p.logger.Infof("Initialized project at %s", p.layout.Root())
	return current, nil
}

// CurrentContext reads the persisted current context.
func (p *ProjectService) CurrentContext() (models.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var current models.Context
	if _, err := toml.DecodeFile(p.layout.ConfigPath(), &current); err != nil {
		if os.IsNotExist(err) {
			return models.Context{}, fmt.Errorf("project config %s: %w", p.layout.ConfigPath(), dberrors.NotFound)
		}
		return models.Context{}, fmt.Errorf("project config %s: %w: %w", p.layout.ConfigPath(), dberrors.StorageCorrupt, err)
	}
	return current, nil
}

// SetContext persists current atomically.
func (p *ProjectService) SetContext(current models.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(current); err != nil {
		return fmt.Errorf("error encoding project config: %w", err)
	}
	if err := os.MkdirAll(p.layout.ConfigDir(), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return helpers.WriteFileAtomic(p.layout.ConfigPath(), buf.Bytes(), 0644)
}
