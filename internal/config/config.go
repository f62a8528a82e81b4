package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Workspace layout
	WorkspaceRoot string
	PrimaryDir    string
	TrackFile     string
	RemoteName    string
	// Network behavior
	RemoteTimeout time.Duration
	SaveRetries   int
	// Review-request status cache - disabled when empty
	RedisURL       string
	StatusCacheTTL time.Duration
	// Guard decision audit log - disabled when empty
	DatabaseURL string
}

func Load() Config {
	return Config{
		WorkspaceRoot:  getenv("LOOM_WORKSPACE_ROOT", "."),
		PrimaryDir:     getenv("LOOM_PRIMARY_DIR", "."),
		// Path inside the tracking ref's tree, not the worktree.
		TrackFile:      getenv("LOOM_TRACK_FILE", "sessions.json"),
		RemoteName:     getenv("LOOM_REMOTE", "origin"),
		RemoteTimeout:  time.Duration(getenvInt("LOOM_REMOTE_TIMEOUT_SECONDS", 30)) * time.Second,
		SaveRetries:    getenvInt("LOOM_SAVE_RETRIES", 3),
		RedisURL:       getenv("REDIS_URL", ""),
		StatusCacheTTL: time.Duration(getenvInt("LOOM_STATUS_CACHE_TTL_SECONDS", 60)) * time.Second,
		DatabaseURL:    getenv("DATABASE_URL", ""),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
