package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Snapshot copies the config, its templates, schemas, and items file into
// the run directory's config/ folder. The snapshot makes a run
// self-contained and reproducible: later edits to the live config never
// affect a run already on disk.
func Snapshot(cfg *Config, configPath, runDir string) error {
	snapDir := filepath.Join(runDir, "config")
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return err
	}

	if err := copyFile(configPath, filepath.Join(snapDir, "config.yaml")); err != nil {
		return fmt.Errorf("snapshot config: %w", err)
	}

	if cfg.HasLLMSteps() {
		if err := copyDir(filepath.Join(cfg.Dir, cfg.Prompts.Dir), filepath.Join(snapDir, "templates")); err != nil {
			return fmt.Errorf("snapshot templates: %w", err)
		}
		if err := copyDir(filepath.Join(cfg.Dir, cfg.Schemas.Dir), filepath.Join(snapDir, "schemas")); err != nil {
			return fmt.Errorf("snapshot schemas: %w", err)
		}
	}

	itemsPath := cfg.ItemsPath()
	if _, err := os.Stat(itemsPath); err == nil {
		if err := copyFile(itemsPath, filepath.Join(snapDir, "items.yaml")); err != nil {
			return fmt.Errorf("snapshot items: %w", err)
		}
	}

	// The model registry rides along when present so cost figures stay
	// stable for the life of the run.
	registryPath := filepath.Join(cfg.Dir, "models.yaml")
	if _, err := os.Stat(registryPath); err == nil {
		if err := copyFile(registryPath, filepath.Join(snapDir, "models.yaml")); err != nil {
			return fmt.Errorf("snapshot model registry: %w", err)
		}
	}
	return nil
}

// LoadSnapshot loads the config snapshot from a run directory. Template
// and schema paths are rewritten to the snapshot's fixed layout, whatever
// the live config called them.
func LoadSnapshot(runDir string) (*Config, error) {
	cfg, err := Load(filepath.Join(runDir, "config", "config.yaml"))
	if err != nil {
		return nil, err
	}
	cfg.Prompts.Dir = "templates"
	cfg.Schemas.Dir = "schemas"
	cfg.Processing.Items = Items{Source: "items.yaml", Key: cfg.Processing.Items.Key}
	return cfg, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func copyDir(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
