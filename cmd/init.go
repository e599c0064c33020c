package cmd

import (
	"fmt"
	"log"
	"syscall"

	"github.com/IndustrialMindustry/industrial-cogs/hugface"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordReader is a function type for reading secrets. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var (
	initAdminToken string
	initAPIKey     string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set the admin token and HF API key",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable HF_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable HF_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}

		db, err := hugface.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		store := hugface.NewSettingsStore(hugface.NewDatabase(db, nil, false), nil)

		settings, err := store.Settings(ctx)
		if err != nil {
			log.Fatalf("Error loading settings: %v", err)
		}

		if customPasswordReader == nil {
			customPasswordReader = func() ([]byte, error) {
				return term.ReadPassword(int(syscall.Stdin))
			}
		}
		out := cmd.OutOrStdout()

		if settings.AdminTokenHash == "" || initAdminToken != "" {
			token := initAdminToken
			if token == "" {
				fmt.Fprintln(out, "Admin token is not set. Let's set it up.")
				for {
					fmt.Fprint(out, "Enter admin token: ")
					tokenBytes, _ := customPasswordReader()
					token = string(tokenBytes)
					fmt.Fprintln(out)

					fmt.Fprint(out, "Confirm admin token: ")
					confirmBytes, _ := customPasswordReader()
					fmt.Fprintln(out)

					if token != "" && token == string(confirmBytes) {
						break
					}
					fmt.Fprintln(out, "Tokens are empty or do not match. Please try again.")
				}
			}
			if err = store.SetAdminToken(ctx, token); err != nil {
				log.Fatalf("Error setting admin token: %v", err)
			}
			fmt.Fprintln(out, "Admin token set successfully.")
		} else {
			fmt.Fprintln(out, "Admin token is already set.")
		}

		apiKey, err := store.APIKey(ctx)
		if err != nil {
			log.Fatalf("Error loading HF API key: %v", err)
		}
		if apiKey == "" || initAPIKey != "" {
			key := initAPIKey
			if key == "" {
				fmt.Fprint(out, "Enter HF API key (leave empty to skip): ")
				keyBytes, _ := customPasswordReader()
				key = string(keyBytes)
				fmt.Fprintln(out)
			}
			if key != "" {
				if err = store.SetSharedAPIToken(ctx, "openai", "api_key", key); err != nil {
					log.Fatalf("Error setting HF API key: %v", err)
				}
				fmt.Fprintln(out, "HF API key set successfully.")
			}
		} else {
			fmt.Fprintln(out, "HF API key is already set.")
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

//nolint:gochecknoinits
func init() {
	initCmd.Flags().StringVar(
		&initAdminToken,
		"admin-token",
		"",
		"Admin API bearer token (prompted for if unset)",
	)
	initCmd.Flags().StringVar(
		&initAPIKey,
		"api-key",
		"",
		"HF API key (prompted for if unset)",
	)
	rootCmd.AddCommand(initCmd)
}
