package config

import "github.com/joho/godotenv"

// LoadEnvFile parses a dotenv-style file (KEY=VALUE per line, per
// --env-file/OOCANA_ENV_FILE) without mutating the process environment;
// the caller decides how and when to apply the result.
func LoadEnvFile(path string) (map[string]string, error) {
	return godotenv.Read(path)
}
