// Package daemoncfg loads and validates `.work/config.toml` (§6.1): the
// three knobs the daemon needs before it can even open the state
// directory — which plan is active, what branch is trunk, and how many
// stages may run at once.
package daemoncfg

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the on-disk shape of .work/config.toml.
type Config struct {
	ActivePlan  string `toml:"active_plan"`
	BaseBranch  string `toml:"base_branch"`
	MaxParallel uint16 `toml:"max_parallel"`
}

// DefaultMaxParallel applies when the file omits max_parallel.
const DefaultMaxParallel = 4

// DefaultBaseBranch applies when the file omits base_branch.
const DefaultBaseBranch = "main"

// Path returns the config.toml path under a .work state directory.
func Path(workDir string) string {
	return filepath.Join(workDir, "config.toml")
}

// Load reads and validates config.toml from workDir.
func Load(workDir string) (*Config, error) {
	path := Path(workDir)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyDefaults(&cfg)
	if errs := Validate(&cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid %s: %w", path, errs[0])
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = DefaultBaseBranch
	}
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
}

// Validate checks the structural requirements of config.toml.
func Validate(cfg *Config) []error {
	var errs []error
	if cfg.ActivePlan == "" {
		errs = append(errs, fmt.Errorf("active_plan is required"))
	}
	if cfg.MaxParallel == 0 {
		errs = append(errs, fmt.Errorf("max_parallel must be >= 1"))
	}
	return errs
}

// Save writes cfg to workDir/config.toml, creating the directory if
// needed. Unlike the state-directory entity files this is not on the hot
// path (written once at `loom init` and on explicit reconfiguration), so
// a plain encode-and-write suffices rather than the lock-and-rename
// contract used for stage/session files.
func Save(workDir string, cfg *Config) error {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", workDir, err)
	}
	f, err := os.Create(Path(workDir))
	if err != nil {
		return fmt.Errorf("creating config.toml: %w", err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config.toml: %w", err)
	}
	return nil
}
