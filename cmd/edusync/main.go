package main

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"edusync/internal/app"
	"edusync/internal/config"
	"edusync/internal/encryption"
	"edusync/internal/model"
	"edusync/internal/server"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a fully wired App. The caller must
// defer a.Close().
func newApp() (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	passphrase, err := passphraseForUnlock(cfg)
	if err != nil {
		return nil, err
	}

	a, err := app.NewApp(cfg, nil, passphrase)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// passphraseForUnlock resolves the local-encryption passphrase: the
// EDUSYNC_PASSPHRASE environment variable wins, otherwise the terminal
// is prompted. Backends without keys never prompt.
func passphraseForUnlock(cfg *config.Config) (string, error) {
	if cfg.Encryption.Type == "none" || cfg.Encryption.Type == "test" {
		return "", nil
	}
	if p := os.Getenv("EDUSYNC_PASSPHRASE"); p != "" {
		return p, nil
	}
	return promptPassphrase("Passphrase: ")
}

func promptPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(raw), nil
}

var rootCmd = &cobra.Command{
	Use:   "edusync",
	Short: "Offline-first sync agent for the school platform",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init SERVER_URL",
	Short: "Initialize configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}

		deviceID := uuid.New().String()
		cfg := config.NewConfig(deviceID, defaults["base_dir"])
		cfg.Server.BaseURL = args[0]

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("initializing config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Device ID: %s\n", deviceID)
		fmt.Printf("Server:    %s\n", cfg.Server.BaseURL)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Device ID: %s\n", cfg.DeviceID)
		fmt.Printf("User ID:   %s\n", cfg.UserID)
		fmt.Printf("Server:    %s\n", cfg.Server.BaseURL)
		fmt.Printf("Store:     %s (%s)\n", cfg.Store.Type, cfg.Store.DataDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage local encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the local encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
		if err != nil {
			return fmt.Errorf("creating encryptor: %w", err)
		}
		if enc.IsConfigured() {
			return fmt.Errorf("encryption keys already exist")
		}

		passphrase, err := promptPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := promptPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if passphrase != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		if err := enc.Setup(passphrase); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}

		fmt.Println("Local encryption keys generated.")
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "View sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		st := a.GetOfflineState()
		connectivity := "offline"
		if st.IsOnline {
			connectivity = "online"
		}
		fmt.Printf("Connectivity:    %s\n", connectivity)
		fmt.Printf("Pending actions: %d\n", st.QueueSize)
		if st.LastSyncTime.IsZero() {
			fmt.Println("Last sync:       never")
		} else {
			fmt.Printf("Last sync:       %s\n", st.LastSyncTime.Format("2006-01-02 15:04:05"))
		}

		ent, err := a.EntitlementState()
		if err != nil {
			return err
		}
		fmt.Printf("Days offline:    %d (warning: %s)\n", ent.DaysOffline, ent.WarningLevel)
		if ent.WritesBlocked {
			fmt.Println("Offline writes:  BLOCKED (connect to the server to continue)")
		}
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync pending actions now",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if a.TriggerSync(context.Background(), force) {
			fmt.Println("Queue fully drained.")
			return nil
		}

		st := a.GetOfflineState()
		fmt.Printf("Sync incomplete: %d action(s) still pending.\n", st.QueueSize)
		return nil
	},
}

// queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the action queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		actions, err := a.PendingActions()
		if err != nil {
			return err
		}
		if len(actions) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}

		for _, qa := range actions {
			retry := ""
			if qa.AttemptCount > 0 {
				retry = fmt.Sprintf("  attempts:%d", qa.AttemptCount)
			}
			fmt.Printf("%s  %-6s  %-10s  %s  %s%s\n",
				qa.ID[:8],
				qa.Operation,
				qa.EntityType,
				qa.EntityID,
				qa.CreatedAt.Format("2006-01-02 15:04:05"),
				retry,
			)
		}
		return nil
	},
}

// conflicts command
var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Manage sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List actions needing manual resolution",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		conflicts, err := a.Conflicts()
		if err != nil {
			return err
		}
		if len(conflicts) == 0 {
			fmt.Println("No conflicts.")
			return nil
		}

		for _, c := range conflicts {
			fmt.Printf("%s  [%s]  %s\n", c.Action.ID[:8], c.Action.Status, c.String())
		}
		return nil
	},
}

var conflictsDiscardCmd = &cobra.Command{
	Use:   "discard ACTION_ID",
	Short: "Discard a resolved conflict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.DiscardConflict(args[0]); err != nil {
			return err
		}
		fmt.Println("Conflict discarded.")
		return nil
	},
}

// cache command
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect cached data",
}

var cacheShowCmd = &cobra.Command{
	Use:   "show ENTITY_TYPE",
	Short: "Show the cached snapshot for an entity type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityType := model.EntityType(args[0])
		if !entityType.Valid() {
			return fmt.Errorf("unknown entity type: %s", args[0])
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		entity, err := a.GetCachedData(entityType)
		if err != nil {
			return err
		}
		if entity == nil {
			fmt.Println("No cached data (missing or expired).")
			return nil
		}

		fmt.Printf("Fetched: %s  Expires: %s\n",
			entity.FetchedAt.Format("2006-01-02 15:04:05"),
			entity.TTLExpiresAt.Format("2006-01-02 15:04:05"),
		)
		fmt.Println(string(entity.Payload))
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		token, _ := cmd.Flags().GetString("token")

		srv := server.NewServer(&server.Options{
			Address: addr,
			Token:   token,
		})

		fmt.Printf("Sync server listening on %s\n", addr)
		if err := srv.Start(); err != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Stop(ctx)
			return err
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	keysCmd.AddCommand(keysInitCmd)

	queueCmd.AddCommand(queueListCmd)

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsDiscardCmd)

	cacheCmd.AddCommand(cacheShowCmd)

	syncCmd.Flags().BoolP("force", "f", false, "Retry failed actions immediately, ignoring backoff")
	serveCmd.Flags().String("addr", ":8090", "Listen address")
	serveCmd.Flags().String("token", "", "Require this bearer token on /v1")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(serveCmd)
}
