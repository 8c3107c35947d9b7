/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/hestia/internal/auth"
	"github.com/friendsincode/hestia/internal/db"
)

// API key flags
var (
	apikeyName        string
	apikeyRoles       []string
	apikeyExpiresDays int
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage API keys",
	Long:  "Create, list and revoke API keys. Useful for bootstrapping the first admin credential.",
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new API key",
	Long: `Create a new API key and print the plaintext key once.

Examples:
  # Bootstrap an admin key
  hestia apikey create --name bootstrap --roles admin

  # Read-only key that expires in 30 days
  hestia apikey create --name dashboard --roles viewer --expires-days 30
`,
	RunE: runAPIKeyCreate,
}

var apikeyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	RunE:  runAPIKeyList,
}

var apikeyRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runAPIKeyRevoke,
}

func init() {
	apikeyCreateCmd.Flags().StringVar(&apikeyName, "name", "", "Human-readable name for the key (required)")
	apikeyCreateCmd.Flags().StringSliceVar(&apikeyRoles, "roles", []string{"viewer"}, "Roles granted to the key (admin, operator, viewer)")
	apikeyCreateCmd.Flags().IntVar(&apikeyExpiresDays, "expires-days", 0, "Days until the key expires (0 = never)")
	_ = apikeyCreateCmd.MarkFlagRequired("name")

	apikeyCmd.AddCommand(apikeyCreateCmd)
	apikeyCmd.AddCommand(apikeyListCmd)
	apikeyCmd.AddCommand(apikeyRevokeCmd)
	rootCmd.AddCommand(apikeyCmd)
}

func runAPIKeyCreate(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	database, err := initDatabase()
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer func() { _ = db.Close(database) }()

	var expiresIn time.Duration
	if apikeyExpiresDays > 0 {
		expiresIn = time.Duration(apikeyExpiresDays) * 24 * time.Hour
	}

	plaintext, key, err := auth.GenerateAPIKey(apikeyName, "cli", apikeyRoles, expiresIn)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := database.Create(key).Error; err != nil {
		return fmt.Errorf("store key: %w", err)
	}

	fmt.Printf("API key created: %s\n", key.ID)
	fmt.Printf("  Name:  %s\n", key.Name)
	fmt.Printf("  Roles: %s\n", key.Roles)
	if key.ExpiresAt != nil {
		fmt.Printf("  Expires: %s\n", key.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println()
	fmt.Println("Plaintext key (shown only once, store it now):")
	fmt.Printf("  %s\n", plaintext)
	return nil
}

func runAPIKeyList(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	database, err := initDatabase()
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer func() { _ = db.Close(database) }()

	keys, err := auth.ListAPIKeys(database)
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}
	if len(keys) == 0 {
		fmt.Println("no API keys")
		return nil
	}

	for _, k := range keys {
		status := "active"
		if k.RevokedAt != nil {
			status = "revoked"
		} else if k.ExpiresAt != nil && k.ExpiresAt.Before(time.Now()) {
			status = "expired"
		}
		fmt.Printf("%s  %-8s  %-20s  %s...  roles=%s\n",
			k.ID, status, k.Name, k.KeyPrefix, k.Roles)
	}
	return nil
}

func runAPIKeyRevoke(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	database, err := initDatabase()
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer func() { _ = db.Close(database) }()

	keyID := strings.TrimSpace(args[0])
	if err := auth.RevokeAPIKey(database, keyID); err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}

	fmt.Printf("API key %s revoked\n", keyID)
	return nil
}
