package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/lectures/pipeline-go/internal/callback"
)

func newSignCmd(a *app) *cobra.Command {
	var salt string
	cmd := &cobra.Command{
		Use:   "sign <query>",
		Short: "Sign a callback query string the way a worker does",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if salt == "" {
				salt = a.cfg.Salt
			}
			if salt == "" {
				return errors.New("no salt: set PIPELINE_SALT or pass --salt")
			}
			query := strings.TrimPrefix(args[0], "?")
			fmt.Fprintln(cmd.OutOrStdout(), callback.SignQuery(query, salt))
			return nil
		},
	}
	cmd.Flags().StringVar(&salt, "salt", "", "shared secret (defaults to the configured salt)")
	return cmd
}
