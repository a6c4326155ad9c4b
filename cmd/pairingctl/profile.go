package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

// ProfilesConfig holds named database targets and the active one.
type ProfilesConfig struct {
	Active   string             `toml:"active"`
	Profiles map[string]Profile `toml:"profiles"`
}

type Profile struct {
	DatabaseURL string `toml:"database_url"`
}

func defaultProfilesPath() string {
	if p := os.Getenv("PAIRINGCTL_PROFILES"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "pairingctl.toml"
	}
	return filepath.Join(dir, "pairingctl", "profiles.toml")
}

func loadProfiles(path string) (ProfilesConfig, error) {
	var cfg ProfilesConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ProfilesConfig{Profiles: map[string]Profile{}}, nil
		}
		return ProfilesConfig{}, fmt.Errorf("reading %s: %w", path, err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]Profile{}
	}
	return cfg, nil
}

func saveProfiles(path string, cfg ProfilesConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// resolveDatabaseURL picks, in order: the flag, a named profile, $DATABASE_URL,
// then the active profile.
func resolveDatabaseURL(flagURL, name, path string) (string, error) {
	if flagURL != "" {
		return flagURL, nil
	}

	cfg, err := loadProfiles(path)
	if err != nil {
		return "", err
	}

	if name != "" {
		p, ok := cfg.Profiles[name]
		if !ok {
			return "", fmt.Errorf("unknown profile %q", name)
		}
		return p.DatabaseURL, nil
	}

	if env := os.Getenv("DATABASE_URL"); env != "" {
		return env, nil
	}

	if cfg.Active != "" {
		if p, ok := cfg.Profiles[cfg.Active]; ok && p.DatabaseURL != "" {
			return p.DatabaseURL, nil
		}
	}

	return "", errors.New("no database configured: use --database-url, --profile or DATABASE_URL")
}

var profileCmd = &cobra.Command{
	Use:     "profile",
	Short:   "Manage database profiles",
	GroupID: "system",
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadProfiles(profilePath)
		if err != nil {
			return err
		}

		names := make([]string, 0, len(cfg.Profiles))
		for name := range cfg.Profiles {
			names = append(names, name)
		}
		sort.Strings(names)

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{"active": cfg.Active, "profiles": names})
		}
		for _, name := range names {
			marker := " "
			if name == cfg.Active {
				marker = "*"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, name)
		}
		return nil
	},
}

var profileAddCmd = &cobra.Command{
	Use:   "add <name> <database-url>",
	Short: "Add or replace a profile",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadProfiles(profilePath)
		if err != nil {
			return err
		}
		cfg.Profiles[args[0]] = Profile{DatabaseURL: args[1]}
		if cfg.Active == "" {
			cfg.Active = args[0]
		}
		if err := saveProfiles(profilePath, cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved profile %s\n", args[0])
		return nil
	},
}

var profileUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Make a profile the default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadProfiles(profilePath)
		if err != nil {
			return err
		}
		if _, ok := cfg.Profiles[args[0]]; !ok {
			return fmt.Errorf("unknown profile %q", args[0])
		}
		cfg.Active = args[0]
		if err := saveProfiles(profilePath, cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Active profile: %s\n", args[0])
		return nil
	},
}

func init() {
	profileCmd.AddCommand(profileListCmd)
	profileCmd.AddCommand(profileAddCmd)
	profileCmd.AddCommand(profileUseCmd)
}
