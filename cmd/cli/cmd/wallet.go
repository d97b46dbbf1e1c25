package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/labhya/labhya/internal/service/cost"
	"github.com/labhya/labhya/pkg/models"
)

var fundsDescription string

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Show and move wallet funds",
	RunE:  runWalletShow,
}

var walletAddCmd = &cobra.Command{
	Use:   "add <amount>",
	Short: "Add funds to the wallet",
	Args:  cobra.ExactArgs(1),
	RunE:  runWalletAdd,
}

var walletWithdrawCmd = &cobra.Command{
	Use:   "withdraw <amount>",
	Short: "Withdraw funds from the wallet",
	Args:  cobra.ExactArgs(1),
	RunE:  runWalletWithdraw,
}

var transactionsCmd = &cobra.Command{
	Use:     "transactions",
	Aliases: []string{"tx"},
	Short:   "List wallet transactions",
	RunE:    runTransactions,
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Show dashboard totals",
	Long: `Show the server's dashboard statistics next to totals computed locally
from your GPUs, sessions and transactions.`,
	RunE: runDashboard,
}

func init() {
	rootCmd.AddCommand(walletCmd)
	rootCmd.AddCommand(transactionsCmd)
	rootCmd.AddCommand(dashboardCmd)
	walletCmd.AddCommand(walletAddCmd)
	walletCmd.AddCommand(walletWithdrawCmd)

	walletAddCmd.Flags().StringVarP(&fundsDescription, "description", "d", "", "Transaction description")
	walletWithdrawCmd.Flags().StringVarP(&fundsDescription, "description", "d", "", "Transaction description")
}

func parseAmount(s string) (float64, error) {
	amount, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return amount, nil
}

func runWalletShow(cmd *cobra.Command, args []string) error {
	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		if err := a.cache.FetchWallet(ctx); err != nil {
			return fmt.Errorf("failed to get wallet: %w", err)
		}
		w := a.cache.Wallet().Data
		if jsonOutput() {
			return printJSON(w)
		}
		printWallet(w)
		return nil
	})
}

func printWallet(w *models.Wallet) {
	if w == nil {
		fmt.Fprintln(stdout, "No wallet found.")
		return
	}
	fmt.Fprintf(stdout, "Wallet:   %s\n", w.ID)
	if w.OwnerName != "" {
		fmt.Fprintf(stdout, "Owner:    %s\n", w.OwnerName)
	}
	fmt.Fprintf(stdout, "Balance:  %s\n", money(w.Balance))
}

func runWalletAdd(cmd *cobra.Command, args []string) error {
	amount, err := parseAmount(args[0])
	if err != nil {
		return err
	}

	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		resp, err := a.cache.AddFunds(ctx, amount, fundsDescription)
		if err != nil {
			return fmt.Errorf("failed to add funds: %w", err)
		}
		if jsonOutput() {
			return printJSON(resp)
		}
		fmt.Fprintf(stdout, "Added %s. New balance: %s\n", money(models.Amount(amount)), money(resp.NewBalance))
		return nil
	})
}

func runWalletWithdraw(cmd *cobra.Command, args []string) error {
	amount, err := parseAmount(args[0])
	if err != nil {
		return err
	}

	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		resp, err := a.cache.WithdrawFunds(ctx, amount, fundsDescription)
		if err != nil {
			return fmt.Errorf("failed to withdraw funds: %w", err)
		}
		if jsonOutput() {
			return printJSON(resp)
		}
		fmt.Fprintf(stdout, "Withdrew %s. New balance: %s\n", money(models.Amount(amount)), money(resp.NewBalance))
		return nil
	})
}

func runTransactions(cmd *cobra.Command, args []string) error {
	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		if err := a.cache.FetchTransactions(ctx); err != nil {
			return fmt.Errorf("failed to list transactions: %w", err)
		}
		txs := a.cache.Transactions().Data
		if jsonOutput() {
			return printJSON(txs)
		}
		if len(txs) == 0 {
			fmt.Fprintln(stdout, "No transactions found.")
			return nil
		}

		w := newTable()
		fmt.Fprintln(w, "ID\tTYPE\tAMOUNT\tSTATUS\tWHEN\tDESCRIPTION")
		fmt.Fprintln(w, "--\t----\t------\t------\t----\t-----------")
		for _, tx := range txs {
			when := "-"
			if t, err := cost.ParseTimestamp(tx.CreatedAt); err == nil {
				when = t.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				tx.ID,
				tx.Type,
				signedMoney(tx.Amount),
				tx.Status,
				when,
				truncateString(tx.Description, 40),
			)
		}
		w.Flush()

		fmt.Fprintf(stdout, "\nTotal: %d transactions\n", len(txs))
		return nil
	})
}

func signedMoney(a models.Amount) string {
	if a < 0 {
		return "-" + money(-a)
	}
	return "+" + money(a)
}

// dashboard is the JSON shape of the dashboard command
type dashboard struct {
	Server *models.DashboardStats `json:"server"`
	Local  cost.Summary           `json:"local"`
}

func runDashboard(cmd *cobra.Command, args []string) error {
	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		if err := a.cache.FetchAll(ctx); err != nil {
			return fmt.Errorf("failed to load dashboard data: %w", err)
		}
		if err := a.cache.FetchDashboardStats(ctx); err != nil {
			return fmt.Errorf("failed to get dashboard stats: %w", err)
		}

		out := dashboard{
			Server: a.cache.Stats().Data,
			Local:  a.cache.Summary(cost.NewProjector()),
		}
		if jsonOutput() {
			return printJSON(out)
		}

		host := a.store.Role() == models.RoleHost
		w := newTable()
		fmt.Fprintln(w, "METRIC\tSERVER\tLOCAL")
		fmt.Fprintln(w, "------\t------\t-----")
		if s := out.Server; s != nil {
			fmt.Fprintf(w, "GPUs\t%d\t%d\n", s.TotalGPUs, out.Local.TotalGPUs)
			fmt.Fprintf(w, "Active sessions\t%d\t%d\n", s.ActiveSessions, out.Local.ActiveSessions)
			fmt.Fprintf(w, "Total sessions\t%d\t%d\n", s.TotalSessions, out.Local.TotalSessions)
			if host {
				fmt.Fprintf(w, "Today's earnings\t%s\t%s\n", money(s.TodaysEarnings), money(out.Local.TodaysEarnings))
			} else {
				fmt.Fprintf(w, "Total spent\t%s\t%s\n", money(s.TotalSpent), money(out.Local.TotalSpent))
			}
		}
		w.Flush()

		fmt.Fprintln(stdout)
		fmt.Fprintf(stdout, "Pending: %d  Active: %d  Completed: %d\n",
			out.Local.PendingSessions, out.Local.ActiveSessions, out.Local.CompletedSessions)
		if host {
			fmt.Fprintf(stdout, "Accruing now: %s  Earned: %s\n",
				money(out.Local.CurrentEarnings), money(out.Local.TotalEarnings))
		}
		if wallet := a.cache.Wallet().Data; wallet != nil {
			fmt.Fprintf(stdout, "Wallet balance: %s\n", money(wallet.Balance))
		}
		return nil
	})
}
