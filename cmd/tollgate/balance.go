package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/artpar/tollgate/domain/balance"
	"github.com/artpar/tollgate/ports"
	"github.com/spf13/cobra"
)

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show and top up token balances",
	Long: `Show and top up token balances.

Examples:
  tollgate balance show user_123
  tollgate balance topup user_123 500`,
}

var balanceShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Show a user's balance",
	Args:  cobra.ExactArgs(1),
	RunE:  runBalanceShow,
}

var balanceTopUpCmd = &cobra.Command{
	Use:   "topup <user-id> <tokens>",
	Short: "Credit purchased tokens to a user",
	Args:  cobra.ExactArgs(2),
	RunE:  runBalanceTopUp,
}

func init() {
	rootCmd.AddCommand(balanceCmd)

	balanceCmd.AddCommand(balanceShowCmd)
	balanceCmd.AddCommand(balanceTopUpCmd)
}

func runBalanceShow(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	acct, err := s.services.Accounts.Balance(cmd.Context(), args[0])
	if errors.Is(err, ports.ErrNotFound) {
		return fmt.Errorf("no account for user %s", args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to read balance: %w", err)
	}

	printAccount(cmd.OutOrStdout(), acct)
	return nil
}

func runBalanceTopUp(cmd *cobra.Command, args []string) error {
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid token amount %q", args[1])
	}

	s, err := openSession(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	acct, err := s.services.Accounts.TopUp(cmd.Context(), args[0], amount)
	if err != nil {
		return fmt.Errorf("failed to top up: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s Credited %d tokens to %s\n\n", checkMark, amount, args[0])
	printAccount(out, acct)
	return nil
}

func printAccount(out io.Writer, a balance.Account) {
	fmt.Fprintf(out, "User:       %s\n", a.UserID)
	fmt.Fprintf(out, "Balance:    %d\n", a.Current)
	fmt.Fprintf(out, "Available:  %d\n", a.Available())
	fmt.Fprintf(out, "Held:       %d\n", a.Held())
	fmt.Fprintf(out, "Purchased:  %d\n", a.TotalPurchased)
	fmt.Fprintf(out, "Used:       %d\n", a.TotalUsed)
}
