package directors

import (
	"fmt"
	"sync"

	"branchdb/src/connpool"
	"branchdb/src/engine"
	"branchdb/src/layout"
	"branchdb/src/settings"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type ServiceManager struct {
	Settings *settings.Arguments
	Layout   *layout.Layout
	Registry *connpool.Registry

	ProjectService  *ProjectService
	DatabaseService *DatabaseService
	BranchService   *BranchService
	TenantService   *TenantService
	SchemaService   *SchemaService
	MergeService    *MergeService
	QueryService    *QueryService

	poolMetrics  *connpool.Collector
	mergeMetrics *MergeCollector
	logger       *zap.SugaredLogger
}

// NewServiceManager wires every service over the project at args.ProjectDir.
func NewServiceManager(args *settings.Arguments, logger *zap.SugaredLogger) (*ServiceManager, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := args.Normalize(); err != nil {
		return nil, err
	}

	l := layout.New(args.ProjectDir)
	poolMetrics := connpool.NewMetricsCollector()
	registry, err := connpool.NewRegistry(l, connpool.Config{
		PoolSize:    args.PoolSize,
		BusyTimeout: args.BusyTimeout.Duration,
		Clock:       clock.WallClock,
		Logger:      logger.Named("connpool"),
		Metrics:     poolMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection registry: %w", err)
	}

	factory := engine.NewEntityFactory(clock.WallClock)
	branches := engine.NewBranchStore(l, logger)
	changes := engine.NewChangeLog(l, logger.Named("changelog"))
	sections := engine.NewMutationSection()
	mergeMetrics := NewMergeCollector()

	databaseService := NewDatabaseService(l, registry, branches, factory, sections, args, logger.Named("databases"))
	projectService := NewProjectService(l, databaseService, logger.Named("project"))

	m := &ServiceManager{
		Settings:        args,
		Layout:          l,
		Registry:        registry,
		ProjectService:  projectService,
		DatabaseService: databaseService,
		BranchService: NewBranchService(l, registry, branches, changes, sections, factory,
			projectService, args, logger.Named("branches")),
		TenantService: NewTenantService(l, registry, branches, changes, sections, factory,
			args, logger.Named("tenants")),
		SchemaService: NewSchemaService(l, registry, branches, changes, sections, engine.NewStatementBuilder(factory),
			factory, args, logger.Named("schema")),
		MergeService: NewMergeService(l, registry, branches, changes, sections, mergeMetrics, clock.WallClock,
			args, logger.Named("merge")),
		QueryService: NewQueryService(l, registry, args, logger.Named("query")),
		poolMetrics:  poolMetrics,
		mergeMetrics: mergeMetrics,
		logger:       logger,
	}
	return m, nil
}

// RegisterMetrics registers the pool and merge collectors with reg.
func (m *ServiceManager) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.poolMetrics, m.mergeMetrics} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return nil
}

// Close flushes and closes every pooled store.
func (m *ServiceManager) Close() error {
	if m.Registry == nil {
		return nil
	}
	return m.Registry.Close()
}

// Private instance and mutex for thread safety
var (
	instance *ServiceManager
	once     sync.Once
	mu       sync.RWMutex
)

// GetServiceManager returns the singleton instance of ServiceManager, or nil
// before InitServiceManager succeeded.
func GetServiceManager() *ServiceManager {
	mu.RLock()
	defer mu.RUnlock()
	return instance
}

// InitServiceManager initializes the ServiceManager singleton
func InitServiceManager(args *settings.Arguments, logger *zap.SugaredLogger) (*ServiceManager, error) {
	var err error
	// Use sync.Once to ensure this only happens one time
	once.Do(func() {
		var m *ServiceManager
		m, err = NewServiceManager(args, logger)
		if err != nil {
			return
		}

		mu.Lock()
		instance = m
		mu.Unlock()

		if logger != nil {
			logger.Info("ServiceManager singleton initialized")
		}
	})
	if err != nil {
		ResetServiceManager()
		return nil, err
	}
	return GetServiceManager(), nil
}

// ResetServiceManager is useful for testing - it closes and resets the singleton
func ResetServiceManager() {
	mu.Lock()
	defer mu.Unlock()
	if instance != nil {
		instance.Close()
	}
	instance = nil
	once = sync.Once{}
}
