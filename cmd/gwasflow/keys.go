package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	mw "github.com/kiranshivaraju/gwasflow/internal/api/middleware"
	"github.com/kiranshivaraju/gwasflow/internal/config"
	"github.com/kiranshivaraju/gwasflow/internal/store"
	"github.com/kiranshivaraju/gwasflow/pkg/models"
	"github.com/spf13/cobra"
)

var (
	keyName   string
	keyScopes string
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an API key and print it once",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadStandalone()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}

		pool, err := store.Connect(cmd.Context(), cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		return createKey(cmd.Context(), store.NewPostgresStore(pool), keyName, splitScopes(keyScopes), cmd.OutOrStdout())
	},
}

func init() {
	keysCreateCmd.Flags().StringVar(&keyName, "name", "", "Human readable key name")
	keysCreateCmd.Flags().StringVar(&keyScopes, "scopes", mw.ScopeRead, "Comma separated scopes (read, write, admin)")
	_ = keysCreateCmd.MarkFlagRequired("name")

	keysCmd.AddCommand(keysCreateCmd)
}

type keyCreator interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

func createKey(ctx context.Context, ks keyCreator, name string, scopes []string, out io.Writer) error {
	raw, key, err := mw.NewAPIKey(name, scopes)
	if err != nil {
		return err
	}
	if err := ks.CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("store api key: %w", err)
	}

	fmt.Fprintf(out, "id:     %s\nprefix: %s\nscopes: %s\nkey:    %s\n",
		key.ID, key.KeyPrefix, strings.Join(key.Scopes, ","), raw)
	fmt.Fprintln(out, "Store the key now; it cannot be shown again.")
	return nil
}

func splitScopes(raw string) []string {
	var scopes []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes
}
