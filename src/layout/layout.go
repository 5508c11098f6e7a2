// Package layout maps the project hierarchy (database, branch, tenant) onto
// the directory tree:
//
//	{project}/databases/{database}/branches/{branch}/
//	    metadata.json
//	    changes.json
//	    tenants/{tenant}.store (+ -wal, -shm)
//
// Every other package resolves paths through a Layout; nothing else builds
// them by hand.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"branchdb/src/dberrors"
)

const (
	// MainName is the protected name of the default database, branch and tenant.
	MainName = "main"

	ConfigDirName    = ".branchdb"
	ConfigFileName   = "config.toml"
	DatabasesDirName = "databases"
	BranchesDirName  = "branches"
	TenantsDirName   = "tenants"
	MetadataFileName = "metadata.json"
	ChangesFileName  = "changes.json"
	StoreExtension   = ".store"

	maxNameLength = 63
)

var namePattern = regexp.MustCompile(`^[a-z0-9]+([_-][a-z0-9]+)*$`)

// ValidateName accepts lowercase letters, digits and single '-' or '_'
// separators. Names can never start with '.', so staging entries never
// collide with real ones.
func ValidateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s name must not be empty: %w", kind, dberrors.NotValid)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%s name %q longer than %d characters: %w", kind, name, maxNameLength, dberrors.NotValid)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%s name %q must be lowercase letters, digits, '-' or '_': %w", kind, name, dberrors.NotValid)
	}
	return nil
}

// StoreKey identifies one tenant store.
type StoreKey struct {
	Database string
	Branch   string
	Tenant   string
}

func (k StoreKey) String() string {
	return k.Database + "/" + k.Branch + "/" + k.Tenant
}

// BranchKey returns the key of the branch holding the store.
func (k StoreKey) BranchKey() BranchKey {
	return BranchKey{Database: k.Database, Branch: k.Branch}
}

// BranchKey identifies one branch of a database.
type BranchKey struct {
	Database string
	Branch   string
}

func (k BranchKey) String() string {
	return k.Database + "/" + k.Branch
}

// Tenant returns the key of a tenant store on this branch.
func (k BranchKey) Tenant(name string) StoreKey {
	return StoreKey{Database: k.Database, Branch: k.Branch, Tenant: name}
}

// Layout resolves logical entities to paths below a project root.
type Layout struct {
	root string
}

func New(projectRoot string) *Layout {
	return &Layout{root: filepath.Clean(projectRoot)}
}

func (l *Layout) Root() string { return l.root }

func (l *Layout) ConfigDir() string { return filepath.Join(l.root, ConfigDirName) }

func (l *Layout) ConfigPath() string { return filepath.Join(l.ConfigDir(), ConfigFileName) }

func (l *Layout) DatabasesDir() string { return filepath.Join(l.root, DatabasesDirName) }

func (l *Layout) DatabaseDir(database string) string {
	return filepath.Join(l.DatabasesDir(), database)
}

func (l *Layout) BranchesDir(database string) string {
	return filepath.Join(l.DatabaseDir(database), BranchesDirName)
}

func (l *Layout) BranchDir(key BranchKey) string {
	return filepath.Join(l.BranchesDir(key.Database), key.Branch)
}

func (l *Layout) MetadataPath(key BranchKey) string {
	return filepath.Join(l.BranchDir(key), MetadataFileName)
}

func (l *Layout) ChangesPath(key BranchKey) string {
	return filepath.Join(l.BranchDir(key), ChangesFileName)
}

func (l *Layout) TenantsDir(key BranchKey) string {
	return filepath.Join(l.BranchDir(key), TenantsDirName)
}

func (l *Layout) StorePath(key StoreKey) string {
	return filepath.Join(l.TenantsDir(key.BranchKey()), key.Tenant+StoreExtension)
}

// SideFiles lists the write-ahead and shared-memory files of a store.
func (l *Layout) SideFiles(key StoreKey) []string {
	p := l.StorePath(key)
	return []string{p + "-wal", p + "-shm"}
}

// BranchFiles resolves the files inside a branch directory that may not
// be at its final location yet, such as a branch assembled in staging.
type BranchFiles string

// BranchFilesIn returns the files of branch below a database directory.
func BranchFilesIn(databaseDir, branch string) BranchFiles {
	return BranchFiles(filepath.Join(databaseDir, BranchesDirName, branch))
}

func (b BranchFiles) Dir() string { return string(b) }

func (b BranchFiles) Metadata() string { return filepath.Join(string(b), MetadataFileName) }

func (b BranchFiles) Changes() string { return filepath.Join(string(b), ChangesFileName) }

func (b BranchFiles) TenantsDir() string { return filepath.Join(string(b), TenantsDirName) }

func (b BranchFiles) Store(tenant string) string {
	return filepath.Join(b.TenantsDir(), tenant+StoreExtension)
}

// BranchFiles returns the files of an existing branch.
func (l *Layout) BranchFiles(key BranchKey) BranchFiles {
	return BranchFiles(l.BranchDir(key))
}

// StagingStorePath returns a hidden store path in the tenants directory of
// key, used to build a tenant before it is renamed into place.
func (l *Layout) StagingStorePath(key BranchKey, token string) string {
	return filepath.Join(l.TenantsDir(key), ".staging-"+token+StoreExtension)
}

// StagingPath returns a hidden sibling inside parent used to build an entity
// before it is renamed into place. token must be unique per attempt.
func StagingPath(parent, token string) string {
	return filepath.Join(parent, ".staging-"+token)
}

// DatabaseExists reports whether a database is fully initialized, which is
// the case once its main branch carries metadata.
func (l *Layout) DatabaseExists(database string) bool {
	return l.BranchExists(BranchKey{Database: database, Branch: MainName})
}

// BranchExists reports whether the branch directory carries metadata.
func (l *Layout) BranchExists(key BranchKey) bool {
	info, err := os.Stat(l.MetadataPath(key))
	return err == nil && info.Mode().IsRegular()
}

func (l *Layout) TenantExists(key StoreKey) bool {
	info, err := os.Stat(l.StorePath(key))
	return err == nil && info.Mode().IsRegular()
}

// ListDatabases enumerates initialized databases in name order.
func (l *Layout) ListDatabases() ([]string, error) {
	names, err := listDirs(l.DatabasesDir())
	if err != nil {
		return nil, err
	}
	visible := names[:0]
	for _, name := range names {
		if l.DatabaseExists(name) {
			visible = append(visible, name)
		}
	}
	return visible, nil
}

// ListBranches enumerates branches with metadata in name order.
func (l *Layout) ListBranches(database string) ([]string, error) {
	if !l.DatabaseExists(database) {
		return nil, fmt.Errorf("database %q: %w", database, dberrors.NotFound)
	}
	names, err := listDirs(l.BranchesDir(database))
	if err != nil {
		return nil, err
	}
	visible := names[:0]
	for _, name := range names {
		if l.BranchExists(BranchKey{Database: database, Branch: name}) {
			visible = append(visible, name)
		}
	}
	return visible, nil
}

// ListTenants enumerates the stores of a branch in name order.
func (l *Layout) ListTenants(key BranchKey) ([]string, error) {
	if !l.BranchExists(key) {
		return nil, fmt.Errorf("branch %q of database %q: %w", key.Branch, key.Database, dberrors.NotFound)
	}
	entries, err := os.ReadDir(l.TenantsDir(key))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("error reading tenants of %s: %w", key, err)
	}

	tenants := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, StoreExtension) {
			continue
		}
		tenants = append(tenants, strings.TrimSuffix(name, StoreExtension))
	}
	sort.Strings(tenants)
	return tenants, nil
}

func listDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("error reading directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		// Skip hidden staging directories
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}
