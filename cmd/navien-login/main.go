// Command navien-login signs in once and prints the refresh token and
// account sequence needed for authMode=token.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/navibridge/navibridge/internal/auth"
	"github.com/navibridge/navibridge/internal/config"
	"github.com/navibridge/navibridge/pkg/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd(vendor config.VendorConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "navien-login <username> <password>",
		Short: "Log in to the Navien cloud and print token-mode credentials",
		Long: `Logs in with the account username and password and prints the
refreshToken and accountSeq. Put both in the bridge configuration
(NAVIEN_REFRESH_TOKEN, NAVIEN_ACCOUNT_SEQ) with NAVIEN_AUTH_MODE=token
so the password does not have to be stored.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := auth.NewClient(vendor)
			res, err := client.Login(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "refreshToken: %s\n", res.Session.RefreshToken)
			fmt.Fprintf(out, "accountSeq: %d\n", res.AccountSeq)
			return nil
		},
	}
}

func main() {
	logger.Init(os.Getenv("LOG_LEVEL"))
	cfg, err := config.Load(viper.New(), os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := newRootCmd(cfg.Vendor).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
