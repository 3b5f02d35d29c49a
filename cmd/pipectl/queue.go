package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/lectures/pipeline-go/internal/queuewatch"
)

func newQueueCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Observe the worker waiting queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "watch",
		Short: "Print pointer files as they are queued and picked up",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := queuewatch.New(a.cfg.WaitDir, a.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "watching %s\n", a.cfg.WaitDir)
			for ev := range w.Watch(cmd.Context()) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%-9s\t%s\n", ev.At.Format("15:04:05"), ev.Kind, ev.JobID)
			}
			return nil
		},
	})
	return cmd
}
