package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/lectures/pipeline-go/internal/token"
)

func newSubmitCmd(a *app) *cobra.Command {
	var (
		sets      []string
		videoName string
		priority  int
	)
	cmd := &cobra.Command{
		Use:   "submit <template>",
		Short: "Create a video and queue a processing job for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseSets(sets)
			if err != nil {
				return err
			}
			if err := a.open(); err != nil {
				return err
			}
			ctx := cmd.Context()

			v, err := a.videos.NewVideo(ctx, videoName)
			if err != nil {
				return err
			}
			jobID, err := a.builder.Submit(ctx, token.SubmitRequest{
				Template: args[0],
				Values:   values,
				VideoID:  v.ID,
				Priority: priority,
			})
			if err != nil {
				_ = a.videos.Remove(ctx, v.ID)
				if missing, ok := token.IsUnfilled(err); ok {
					return fmt.Errorf("missing template variables (use --set): %s", strings.Join(missing, ", "))
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s queued for video %d\n", jobID, v.ID)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "template value as key=value (repeatable)")
	cmd.Flags().StringVar(&videoName, "video-name", "", "name of the video record to create")
	cmd.Flags().IntVar(&priority, "priority", 0, "queue priority unless --set sge_priority is given")
	return cmd
}

func parseSets(sets []string) (map[string]string, error) {
	values := make(map[string]string, len(sets))
	for _, s := range sets {
		key, value, ok := strings.Cut(s, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q, want key=value", s)
		}
		values[key] = value
	}
	return values, nil
}
