package env

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

var (
	loadOnce   sync.Once
	loadedPath string
	loadErr    error
)

// Ensure loads the nearest .env file walking up from the working directory.
// Only the first call does any work.
func Ensure() error {
	// go test binaries stay hermetic unless GOTEST_LOAD_DOTENV=1.
	if runningUnderGoTest() && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
		return nil
	}
	loadOnce.Do(func() {
		path, err := findDotEnv()
		if err != nil {
			loadErr = err
			log.Debug().Err(err).Msg("phonefleet: search .env failed")
			return
		}
		if path == "" {
			return
		}
		if err := godotenv.Load(path); err != nil {
			loadErr = err
			log.Warn().Err(err).Str("dotenv", path).Msg("phonefleet: load .env failed")
			return
		}
		loadedPath = path
		log.Debug().Str("dotenv", path).Msg("phonefleet: loaded .env")
	})
	return loadErr
}

// LoadedPath returns the .env path picked up by Ensure, if any.
func LoadedPath() string {
	return loadedPath
}

// String returns the trimmed value of key or fallback when unset.
func String(key, fallback string) string {
	_ = Ensure()
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

// Int parses key as an integer, falling back on absence or parse errors.
func Int(key string, fallback int) int {
	_ = Ensure()
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
		log.Warn().Str("key", key).Str("value", val).Msg("phonefleet: invalid int env, using default")
	}
	return fallback
}

// Bool accepts 1/true/yes and 0/false/no.
func Bool(key string, fallback bool) bool {
	_ = Ensure()
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		switch strings.ToLower(val) {
		case "1", "true", "yes":
			return true
		case "0", "false", "no":
			return false
		}
	}
	return fallback
}

// Duration accepts Go duration strings ("300ms", "2s") and bare numbers as seconds.
func Duration(key string, fallback time.Duration) time.Duration {
	_ = Ensure()
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(val); err == nil {
		return parsed
	}
	if secs, err := strconv.ParseFloat(val, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	log.Warn().Str("key", key).Str("value", val).Msg("phonefleet: invalid duration env, using default")
	return fallback
}

// DurationMap parses "role=2.3s,jd=3.8s" style values. Malformed pairs are skipped.
func DurationMap(key string) map[string]time.Duration {
	_ = Ensure()
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	result := make(map[string]time.Duration)
	for _, pair := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if name == "" || err != nil {
			continue
		}
		result[name] = d
	}
	return result
}

func runningUnderGoTest() bool {
	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}

func findDotEnv() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(wd, ".env")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(wd)
		if parent == wd {
			return "", nil
		}
		wd = parent
	}
}
