package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads .env files into the process environment. Explicit
// paths are tried first, then .env next to the config file, then .env in
// the working directory. Variables already set are never overwritten, so
// the first file to define a variable wins.
func LoadDotEnv(configPath string, paths ...string) error {
	candidates := append([]string{}, paths...)
	if configPath != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			candidates = append(candidates, filepath.Join(filepath.Dir(abs), ".env"))
		}
	}
	candidates = append(candidates, ".env")

	seen := make(map[string]bool)
	for _, p := range candidates {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true

		if err := loadIfExists(abs); err != nil {
			return err
		}
	}
	return nil
}

// loadIfExists loads a .env file if it exists.
func loadIfExists(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
