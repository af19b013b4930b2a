package cli

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// EnvFileVar points at an env file that wins over the --env flag.
const EnvFileVar = "SKIM_ENV_FILE"

// ErrEnvFileMissing is returned when neither the requested nor the default env file exists.
var ErrEnvFileMissing = errors.New("env file not found")

// EnvLoader loads .env files with a predictable override order.
type EnvLoader struct {
	value       *string
	defaultPath string
}

// AddEnvFlag registers an --env flag and returns an EnvLoader.
func AddEnvFlag(fs *flag.FlagSet, defaultPath, description string) *EnvLoader {
	if fs == nil {
		fs = flag.CommandLine
	}
	if defaultPath == "" {
		defaultPath = ".env"
	}
	if description == "" {
		description = "Path to the .env file"
	}

	value := fs.String("env", defaultPath, description)
	return &EnvLoader{
		value:       value,
		defaultPath: defaultPath,
	}
}

// Load resolves and loads environment variables. SKIM_ENV_FILE first, then the
// --env flag value, then the default path. A missing file is reported with
// ErrEnvFileMissing so callers can treat it as a warning.
func (l *EnvLoader) Load() (string, error) {
	if l == nil {
		return "", fmt.Errorf("env loader is nil")
	}

	log.SetOutput(os.Stderr)

	if custom := strings.TrimSpace(os.Getenv(EnvFileVar)); custom != "" {
		if err := godotenv.Overload(custom); err == nil {
			log.Printf("Loaded environment from %s: %s", EnvFileVar, custom)
			return custom, nil
		}
		log.Printf("Warning: failed to load %s=%s", EnvFileVar, custom)
	}

	requested := ""
	if l.value != nil {
		requested = strings.TrimSpace(*l.value)
	}
	if requested == "" {
		requested = l.defaultPath
	}

	candidates := []string{requested}
	if requested != l.defaultPath {
		candidates = append(candidates, l.defaultPath)
	}

	for _, path := range candidates {
		err := godotenv.Overload(path)
		if err == nil {
			log.Printf("Loaded environment from: %s", path)
			return path, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("parse env file %s: %w", path, err)
		}
	}

	return "", fmt.Errorf("%w: %s", ErrEnvFileMissing, requested)
}
