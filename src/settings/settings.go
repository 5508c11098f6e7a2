package settings

import (
	"fmt"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

type Arguments struct {
	// The root directory of the project (holds databases/ and .branchdb/)
	ProjectDir string `toml:"project_dir"`

	// Maximum number of idle tenant handles kept open by the connection pool.
	// Handles in use are never counted against this limit.
	PoolSize int `toml:"pool_size"`

	// Deadline applied to a core operation when the caller supplied none.
	OperationTimeout Duration `toml:"operation_timeout"`

	// How long SQLite waits on a locked store before returning SQLITE_BUSY.
	BusyTimeout Duration `toml:"busy_timeout"`

	// Checkpoint the write-ahead log after every non-read passthrough statement
	CheckpointOnWrite bool `toml:"checkpoint_on_write"`

	LogFile    string `toml:"log_file"`
	ConfigFile string `toml:"-"`

	// Strongly verbose logging
	Verbose bool `toml:"verbose"`
	Debug   bool `toml:"debug"`
}

// Duration wraps time.Duration so it can be written as "30s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

const (
	DefaultPoolSize         = 16
	DefaultOperationTimeout = 30 * time.Second
	DefaultBusyTimeout      = 5 * time.Second
)

// Default returns Arguments populated with the built-in defaults.
func Default() *Arguments {
	return &Arguments{
		ProjectDir:       ".",
		PoolSize:         DefaultPoolSize,
		OperationTimeout: Duration{DefaultOperationTimeout},
		BusyTimeout:      Duration{DefaultBusyTimeout},
	}
}

var (
	instance *Arguments
	once     sync.Once
)

// GetSettings returns the process-wide settings instance.
func GetSettings() *Arguments {
	once.Do(func() {
		instance = Default()
	})
	return instance
}

// LoadFile overlays the values found in a TOML file onto args.
// Keys missing from the file keep their current value.
func LoadFile(path string, args *Arguments) error {
	if _, err := toml.DecodeFile(path, args); err != nil {
		return fmt.Errorf("failed to load settings file %s: %w", path, err)
	}
	args.ConfigFile = path
	return args.Normalize()
}

// Normalize replaces zero values with defaults and rejects nonsense.
func (a *Arguments) Normalize() error {
	if a.ProjectDir == "" {
		return fmt.Errorf("project directory must be set")
	}
	if a.PoolSize < 0 {
		return fmt.Errorf("pool size must not be negative, got %d", a.PoolSize)
	}
	if a.PoolSize == 0 {
		a.PoolSize = DefaultPoolSize
	}
	if a.OperationTimeout.Duration <= 0 {
		a.OperationTimeout.Duration = DefaultOperationTimeout
	}
	if a.BusyTimeout.Duration <= 0 {
		a.BusyTimeout.Duration = DefaultBusyTimeout
	}
	return nil
}
