package config

import (
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

var envVarPatterns = struct {
	withDefault *regexp.Regexp
	braced      *regexp.Regexp
	simple      *regexp.Regexp
}{
	withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
	braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
	simple:      regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`),
}

// expandEnvVars substitutes ${VAR}, ${VAR:-default} and $VAR references.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if len(parts) == 3 {
			if val := os.Getenv(parts[1]); val != "" {
				return val
			}
			return parts[2]
		}
		return match
	})

	s = envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	s = envVarPatterns.simple.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.simple.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	return s
}

// FromEnv builds a Config from the recognized environment variable set,
// loading a .env file from the working directory first if one exists.
//
// Recognized: LLM_API_KEY (required), SEARCH_API_KEY (required), VAULT_PATH,
// HISTORY_FILE, VERBOSE (0|1), CLASSIFIER_MODEL.
func FromEnv() *Config {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.LLM.APIKey = os.Getenv("LLM_API_KEY")
	cfg.Tools.SearchAPIKey = os.Getenv("SEARCH_API_KEY")
	cfg.VaultPath = os.Getenv("VAULT_PATH")
	cfg.HistoryFile = os.Getenv("HISTORY_FILE")
	cfg.ClassifierModel = os.Getenv("CLASSIFIER_MODEL")
	cfg.Verbose = os.Getenv("VERBOSE") == "1"

	cfg.SetDefaults()
	return cfg
}
