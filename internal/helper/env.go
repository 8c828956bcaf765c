package helper

import (
	"os"
	"strconv"
)

// GetEnvAsInt reads an int env var with a fallback default.
func GetEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// GetEnvAsBool: "true" (lowercase) berarti true, selain itu false.
func GetEnvAsBool(key string) bool {
	return os.Getenv(key) == "true"
}
