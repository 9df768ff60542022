package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/artpar/tollgate/domain/key"
	"github.com/artpar/tollgate/ports"
	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
	Long: `Manage Tollgate API keys.

A user can hold several keys. The raw key is printed once at creation,
only its keyed hash is stored.

Examples:
  tollgate keys list --user=user_123
  tollgate keys create --user=user_123 --name=ci --class=pro
  tollgate keys revoke key_abc123 --yes`,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's API keys",
	RunE:  runKeysList,
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new API key",
	RunE:  runKeysCreate,
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysRevoke,
}

var (
	keyUserID   string
	keyName     string
	keyClass    string
	keyExpires  int
	keyAssumeOK bool
)

func init() {
	rootCmd.AddCommand(keysCmd)

	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysCreateCmd)
	keysCmd.AddCommand(keysRevokeCmd)

	keysListCmd.Flags().StringVar(&keyUserID, "user", "", "user ID (required)")
	keysListCmd.MarkFlagRequired("user")

	keysCreateCmd.Flags().StringVar(&keyUserID, "user", "", "user ID (required)")
	keysCreateCmd.Flags().StringVar(&keyName, "name", "", "key name (optional)")
	keysCreateCmd.Flags().StringVar(&keyClass, "class", "", "rate limit class (default: rate_limit.default_class)")
	keysCreateCmd.Flags().IntVar(&keyExpires, "expires-in-days", 0, "days until the key expires, 0 never expires")
	keysCreateCmd.MarkFlagRequired("user")

	keysRevokeCmd.Flags().StringVar(&keyUserID, "user", "", "only revoke if the key belongs to this user")
	keysRevokeCmd.Flags().BoolVarP(&keyAssumeOK, "yes", "y", false, "do not ask for confirmation")
}

func runKeysList(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	keys, err := s.services.Accounts.ListKeys(cmd.Context(), keyUserID)
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(keys) == 0 {
		fmt.Fprintf(out, "No keys found for user %s.\n", keyUserID)
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Create a key with: tollgate keys create --user=<user-id>")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPREFIX\tNAME\tCLASS\tSTATUS\tCREATED\tLAST USED")
	fmt.Fprintln(w, "--\t------\t----\t-----\t------\t-------\t---------")

	now := time.Now()
	for _, k := range keys {
		lastUsed := "never"
		if k.LastUsedAt != nil {
			lastUsed = k.LastUsedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s...\t%s\t%s\t%s\t%s\t%s\n",
			k.ID, k.Prefix, k.Name, k.Class, keyStatus(k, now), k.CreatedAt.Format("2006-01-02"), lastUsed)
	}

	return w.Flush()
}

func keyStatus(k key.Key, now time.Time) string {
	switch {
	case k.RevokedAt != nil:
		return "revoked"
	case k.ExpiresAt != nil && !now.Before(*k.ExpiresAt):
		return "expired"
	case !k.IsActive:
		return "inactive"
	}
	return "active"
}

func runKeysCreate(cmd *cobra.Command, args []string) error {
	if keyExpires < 0 {
		return fmt.Errorf("--expires-in-days must not be negative")
	}

	s, err := openSession(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	class := keyClass
	if class == "" {
		class = s.cfg.RateLimit.DefaultClass
	}
	if _, ok := s.cfg.RateLimit.Classes[class]; !ok {
		return fmt.Errorf("unknown rate limit class %q", class)
	}

	params := key.CreateParams{
		UserID: keyUserID,
		Name:   keyName,
		Class:  class,
	}
	if keyExpires > 0 {
		exp := time.Now().UTC().AddDate(0, 0, keyExpires)
		params.ExpiresAt = &exp
	}

	raw, k, err := s.services.Accounts.IssueKey(cmd.Context(), params)
	if err != nil {
		return fmt.Errorf("failed to create key: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s Created API key for user %s\n", checkMark, keyUserID)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "API Key (save this, shown once):")
	fmt.Fprintf(out, "  %s\n", raw)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Key ID: %s\n", k.ID)
	if k.ExpiresAt != nil {
		fmt.Fprintf(out, "Expires: %s\n", k.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func runKeysRevoke(cmd *cobra.Command, args []string) error {
	keyID := args[0]
	out := cmd.OutOrStdout()

	s, err := openSession(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if !keyAssumeOK && !confirm(cmd.InOrStdin(), out, fmt.Sprintf("Revoke key %s?", keyID)) {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	err = s.services.Accounts.RevokeKey(cmd.Context(), keyUserID, keyID)
	switch {
	case errors.Is(err, key.ErrAlreadyRevoked):
		fmt.Fprintf(out, "Key %s is already revoked.\n", keyID)
		return nil
	case errors.Is(err, ports.ErrNotFound):
		return fmt.Errorf("key not found: %s", keyID)
	case err != nil:
		return fmt.Errorf("failed to revoke key: %w", err)
	}

	fmt.Fprintf(out, "%s Revoked key: %s\n", checkMark, keyID)
	return nil
}
