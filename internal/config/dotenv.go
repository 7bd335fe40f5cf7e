package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// loadDotEnv exports values from .env.local and .env in dir without
// touching variables that are already set, so the precedence is
// explicit env > .env.local > .env.
func loadDotEnv(dir string) error {
	for _, name := range []string{".env.local", ".env"} {
		values, err := godotenv.Read(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read %s: %w", name, err)
		}
		for k, v := range values {
			if _, exists := os.LookupEnv(k); exists {
				continue
			}
			if err := os.Setenv(k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func readDotFile(path string) map[string]string {
	vals, err := godotenv.Read(path)
	if err != nil {
		return nil
	}
	return vals
}

// SaveSecret writes key=value into dir/.env.local, keeping other entries,
// and sets it in the current process.
func SaveSecret(dir, key, value string) error {
	path := filepath.Join(dir, ".env.local")
	env := readDotFile(path)
	if env == nil {
		env = map[string]string{}
	}
	env[key] = value
	if err := godotenv.Write(env, path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return os.Setenv(key, value)
}
