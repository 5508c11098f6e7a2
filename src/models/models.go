package models

import (
	"time"
)

type Database struct {
	// ID is recorded in the metadata of the main branch when the database
	// is created.
	ID string `json:"id"`

	// Name is the name of the database, unique within the project.
	Name string `json:"name"`

	// Branches lists the visible branches of the database in name order.
	Branches []string `json:"branches"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Branch is the content of a branch's metadata.json.
type Branch struct {
	// ID is the unique identifier for the branch.
	ID string `json:"id"`

	// Name is the name of the branch, unique within its database.
	Name string `json:"name"`

	// ParentBranch is the branch this one was copied from; empty for main.
	ParentBranch string `json:"parent_branch"`

	// DatabaseID is the ID of the database the branch belongs to.
	DatabaseID string `json:"database_id"`

	// Tenants maps tenant names to tenant IDs.
	Tenants map[string]string `json:"tenants,omitempty"`

	// Database is derived from the branch's location and never stored.
	Database string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Tenant struct {
	// ID survives renames. Copies get a new one.
	ID string `json:"id"`

	// Name is the name of the tenant, unique within its branch.
	Name     string `json:"name"`
	Database string `json:"database"`
	Branch   string `json:"branch"`

	// SizeBytes is the size of the main store file, side files excluded.
	SizeBytes int64 `json:"size_bytes"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChangeType names the structural change a ChangeEntry records.
type ChangeType string

const (
	CreateTable  ChangeType = "CREATE_TABLE"
	DropTable    ChangeType = "DROP_TABLE"
	AddColumn    ChangeType = "ADD_COLUMN"
	DropColumn   ChangeType = "DROP_COLUMN"
	RenameColumn ChangeType = "RENAME_COLUMN"
	CreateView   ChangeType = "CREATE_VIEW"
	UpdateView   ChangeType = "UPDATE_VIEW"
	DropView     ChangeType = "DROP_VIEW"
	CreateIndex  ChangeType = "CREATE_INDEX"
	DropIndex    ChangeType = "DROP_INDEX"
)

// ChangeEntry is one immutable record of the change log.
type ChangeEntry struct {
	// ID identifies the change across branches; copies and merges keep it.
	ID string `json:"id"`

	// Sequence orders entries within one branch, starting at 1.
	Sequence int64 `json:"sequence"`

	Type ChangeType `json:"type"`

	// EntityType is one of table, column, view or index.
	EntityType string `json:"entity_type"`

	// TargetName is the table, view or index the change applies to.
	TargetName string `json:"target_name"`

	// Definition is the SQL statement that performs the change.
	Definition string `json:"definition"`

	// Details holds the structured arguments the definition was built from.
	Details map[string]string `json:"details,omitempty"`

	// Branch is the branch the change was first made on.
	Branch string `json:"branch"`

	// MergedFrom names the source branch when the entry arrived by merge.
	MergedFrom string `json:"merged_from,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Column describes one user column of a table.
type Column struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	NotNull bool   `json:"not_null,omitempty"`

	// Default is a SQL literal or expression; empty means no default.
	Default string `json:"default,omitempty"`
	Unique  bool   `json:"unique,omitempty"`

	// Check is an optional CHECK expression.
	Check string `json:"check,omitempty"`

	// References names "table(column)" for a foreign key.
	References string `json:"references,omitempty"`
}

// ColumnInfo is one row of PRAGMA table_info.
type ColumnInfo struct {
	CID          int     `db:"cid" json:"cid"`
	Name         string  `db:"name" json:"name"`
	Type         string  `db:"type" json:"type"`
	NotNull      bool    `db:"notnull" json:"not_null"`
	DefaultValue *string `db:"dflt_value" json:"default_value"`
	PrimaryKey   int     `db:"pk" json:"primary_key"`
}

// SchemaObject is one row of sqlite_master.
type SchemaObject struct {
	Type      string  `db:"type" json:"type"`
	Name      string  `db:"name" json:"name"`
	TableName string  `db:"tbl_name" json:"table_name"`
	SQL       *string `db:"sql" json:"sql"`
}

type MergeType string

const (
	// FastForward means the target's log is a prefix of the source's.
	FastForward MergeType = "fast-forward"

	// Replay means every target entry exists in the source, but not as a
	// prefix; the missing entries are replayed in source order.
	Replay MergeType = "replay"
)

type MergeState string

const (
	MergeChecking MergeState = "checking"
	MergeApplying MergeState = "applying"
	MergeDone     MergeState = "done"
	MergeFailed   MergeState = "failed"
)

// MergeCheck is the outcome of checking whether source can merge into target.
type MergeCheck struct {
	Source      string    `json:"source"`
	Target      string    `json:"target"`
	Mergeable   bool      `json:"mergeable"`
	Reason      string    `json:"reason"`
	MergeType   MergeType `json:"merge_type,omitempty"`
	ChangeCount int       `json:"change_count"`

	// CommonPrefix is the number of leading entries both logs share.
	CommonPrefix int `json:"common_prefix"`

	// SharedSequence is the source sequence of the last shared entry, zero
	// when the logs share nothing.
	SharedSequence int64 `json:"shared_sequence"`

	// Unmerged are the source entries the target lacks, in source order.
	Unmerged []ChangeEntry `json:"unmerged,omitempty"`

	// Conflicting are the target entries missing from the source.
	Conflicting []ChangeEntry `json:"conflicting,omitempty"`
}

// MergeResult reports what a merge did, or would do for a dry run.
type MergeResult struct {
	Check      MergeCheck    `json:"check"`
	State      MergeState    `json:"state"`
	DryRun     bool          `json:"dry_run"`
	Statements []string      `json:"statements"`
	Tenants    []string      `json:"tenants"`
	Applied    []ChangeEntry `json:"applied,omitempty"`
}

// Comparison contrasts the change logs of two branches.
type Comparison struct {
	Left         string        `json:"left"`
	Right        string        `json:"right"`
	CommonPrefix int           `json:"common_prefix"`
	OnlyInLeft   []ChangeEntry `json:"only_in_left"`
	OnlyInRight  []ChangeEntry `json:"only_in_right"`
}

// Context is the database/branch/tenant triple an operation targets.
type Context struct {
	Database string `toml:"active_database" json:"database"`
	Branch   string `toml:"active_branch" json:"branch"`
	Tenant   string `toml:"active_tenant" json:"tenant"`
}
