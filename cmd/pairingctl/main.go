// Command pairingctl operates on the device session store directly: stats,
// manual cleanup and migrations, without going through a running server.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kioskshop/pairing-server-go/internal/config"
	"github.com/kioskshop/pairing-server-go/internal/database"
	"github.com/kioskshop/pairing-server-go/internal/repository"
	"github.com/kioskshop/pairing-server-go/internal/retry"
	"github.com/kioskshop/pairing-server-go/internal/service"
)

var (
	databaseURL string
	profileName string
	profilePath string
	jsonOutput  bool
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:           "pairingctl <command>",
	Short:         "Operate the kiosk pairing session store",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Postgres URL (default: $DATABASE_URL or the active profile)")
	rootCmd.PersistentFlags().StringVar(&profileName, "profile", "", "profile name from the profiles file")
	rootCmd.PersistentFlags().StringVar(&profilePath, "profiles-file", defaultProfilesPath(), "path to the TOML profiles file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "store", Title: "Store:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)

	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(forcePendingCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(profileCmd)
}

// store is an open connection plus the lifecycle manager over it.
type store struct {
	db        *database.DB
	lifecycle *service.LifecycleManager
}

func (s *store) Close() error {
	return s.db.Close()
}

// openStore resolves the database URL and connects, retrying briefly so the
// CLI works against a database that is still starting.
func openStore(ctx context.Context) (*store, error) {
	url, err := resolveDatabaseURL(databaseURL, profileName, profilePath)
	if err != nil {
		return nil, err
	}

	policy := retry.Policy{
		Name:     "connect",
		Attempts: 3,
		Delay:    retry.Exponential(500*time.Millisecond, 2*time.Second),
	}

	var db *database.DB
	err = retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		conn, err := database.Connect(url)
		if err != nil {
			return err
		}
		pingCtx, cancel := context.WithTimeout(ctx, config.DBPingTimeout)
		defer cancel()
		if err := conn.Ping(pingCtx); err != nil {
			conn.Close()
			return err
		}
		db = conn
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	repo := repository.NewDeviceSessionRepository(db.DB)
	return &store{
		db:        db,
		lifecycle: service.NewLifecycleManager(repo, nil, service.DefaultLifecycleConfig()),
	}, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
