// accountctl 运维用小工具：查看和修改账号清单文件，
// 以及直接操作线上的可用账号集合。
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tiankong-lab/multichat/backend/internal/config"
	"github.com/tiankong-lab/multichat/backend/internal/model/account"
	"github.com/tiankong-lab/multichat/backend/internal/store/redisstore"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "accountctl",
		Short:         "Inspect and edit the account roster and the availability set",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rosterPath := rootCmd.PersistentFlags().String("roster", "./accounts/roster.json", "path to the roster file")

	rootCmd.AddCommand(
		newListCmd(rosterPath),
		newAddCmd(rosterPath),
		newAvailCmd(),
		newQuarantineCmd(),
		newRestoreCmd(),
	)

	return rootCmd
}

func newListCmd(rosterPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List roster accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			accounts, err := account.LoadRoster(*rosterPath)
			if err != nil {
				return err
			}

			for _, acct := range accounts {
				tokenState := "no-token"
				if acct.AccessToken != "" {
					tokenState = "token"
					if acct.Expiry > 0 {
						tokenState = fmt.Sprintf("token(expires %s)", time.Unix(acct.Expiry, 0).Format(time.RFC3339))
					}
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", acct.Email, tokenState, acct.Proxy)
			}

			return nil
		},
	}
}

func newAddCmd(rosterPath *string) *cobra.Command {
	var proxy string

	cmd := &cobra.Command{
		Use:   "add <email> <password>",
		Short: "Add an account to the roster file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			accounts, err := account.LoadRoster(*rosterPath)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			for _, acct := range accounts {
				if acct.Email == args[0] {
					return fmt.Errorf("%s already in roster", args[0])
				}
			}

			accounts = append(accounts, account.Account{
				Email:    args[0],
				Password: args[1],
				Proxy:    proxy,
			})
			if err := account.SaveRoster(*rosterPath, accounts); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "added %s (%d accounts total)\n", args[0], len(accounts))
			return nil
		},
	}

	cmd.Flags().StringVar(&proxy, "proxy", "", "proxy url for this account")
	return cmd
}

// connectAvailabilitySet 按服务配置连上线上的可用账号集合。
func connectAvailabilitySet(cmd *cobra.Command) (*redisstore.Set, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	rdb, err := redisstore.Connect(cmd.Context(), cfg.Redis.URL)
	if err != nil {
		return nil, err
	}

	return redisstore.NewSet(rdb, cfg.Redis.Prefix+":available_account_set"), nil
}

func newAvailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "avail",
		Short: "Show the live availability set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			set, err := connectAvailabilitySet(cmd)
			if err != nil {
				return err
			}

			members, err := set.Members(cmd.Context())
			if err != nil {
				return err
			}

			for _, member := range members {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), member)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d available\n", len(members))
			return nil
		},
	}
}

func newQuarantineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quarantine <email>",
		Short: "Remove an account from the availability set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := connectAvailabilitySet(cmd)
			if err != nil {
				return err
			}
			return set.Remove(cmd.Context(), args[0])
		},
	}
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <email>",
		Short: "Put an account back into the availability set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := connectAvailabilitySet(cmd)
			if err != nil {
				return err
			}
			return set.Add(cmd.Context(), args[0])
		},
	}
}
