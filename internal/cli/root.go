// Package cli wires the loom commands. All behavior lives in the internal
// packages; commands only parse arguments, build collaborators, and print.
package cli

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"loom/internal/config"
	"loom/internal/remote"
	"loom/internal/session"
	"loom/internal/track"
	"loom/internal/workspace"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Cross-repository session and branch synchronization",
	Long: `loom tracks work sessions that span a primary repository and its
linked repositories, keeps every repository on the session's branch,
publishes review requests, and guards the merge order.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env bundles the collaborators every command needs.
type env struct {
	cfg   config.Config
	ws    *workspace.Workspace
	store *track.Store
	host  remote.Host
	ctl   *session.Controller

	cache *remote.StatusCache
}

func setup() (*env, error) {
	cfg := config.Load()
	ws := workspace.New(cfg.WorkspaceRoot, cfg.PrimaryDir, cfg.RemoteName, cfg.RemoteTimeout)

	primary, err := ws.Primary()
	if err != nil {
		return nil, err
	}
	store := track.NewStore(primary, cfg.TrackFile, cfg.SaveRetries)

	dirFor := func(name string) (string, error) {
		if name == ws.PrimaryName() {
			return cfg.PrimaryDir, nil
		}
		repo, err := ws.Linked(name)
		if err != nil {
			return "", err
		}
		return repo.Path(), nil
	}
	var host remote.Host = remote.NewCLIHost(dirFor, cfg.RemoteTimeout)

	e := &env{cfg: cfg, ws: ws, store: store}
	if cfg.RedisURL != "" {
		cache, err := remote.NewStatusCache(cfg.RedisURL, cfg.StatusCacheTTL)
		if err != nil {
			log.Printf("status cache unavailable, reading live: %v", err)
		} else {
			e.cache = cache
			host = remote.WithCache(host, cache)
		}
	}
	e.host = host
	e.ctl = session.New(store, ws, host)
	return e, nil
}

func (e *env) close() {
	if e.cache != nil {
		_ = e.cache.Close()
	}
}
