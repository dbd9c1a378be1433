package config

import (
	"os"

	"github.com/joho/godotenv"
)

// Runtime modes. Test mode selects deterministic single-threaded saga
// execution and fail-fast locks.
type Mode string

const (
	ModeProd Mode = "prod"
	ModeTest Mode = "test"
)

// EnvMode is the variable selecting the runtime mode.
const EnvMode = "CIVIC_ENV"

// LoadEnv loads .env / .env.local into the process environment without
// overriding variables that are already set. Missing files are fine.
func LoadEnv() {
	for _, path := range []string{".env", ".env.local"} {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
		}
	}
}

// CurrentMode reads CIVIC_ENV, defaulting to prod.
func CurrentMode() Mode {
	if os.Getenv(EnvMode) == string(ModeTest) {
		return ModeTest
	}
	return ModeProd
}
