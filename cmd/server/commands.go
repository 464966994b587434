package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"priorityq/internal/queue"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Provision the collection and its indexes, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.shutdown()

			ctrl, err := a.controller(ctx)
			if err != nil {
				return err
			}
			a.logger.Info("collection ready",
				zap.String("namespace", ctrl.Namespace().String()),
				zap.Duration("retention", ctrl.Retention()))
			return nil
		},
	}
}

func newPushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push <payload>",
		Short: "Enqueue one item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			priority, _ := cmd.Flags().GetInt("priority")
			group, _ := cmd.Flags().GetString("group")

			ctx, cancel := signalContext()
			defer cancel()

			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.shutdown()

			ctrl, err := a.controller(ctx)
			if err != nil {
				return err
			}

			var opts []queue.PushOption
			if group != "" {
				opts = append(opts, queue.WithGroup(group))
			}
			if err := ctrl.Push(ctx, args[0], priority, opts...); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "queued")
			return nil
		},
	}
	cmd.Flags().Int("priority", 0, "priority; lower values are claimed first")
	cmd.Flags().String("group", "", "consumer group used for claim-time exclusion")
	return cmd
}

func newClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim the next item and print it as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			exclude, _ := cmd.Flags().GetStringSlice("exclude")
			ack, _ := cmd.Flags().GetBool("ack")
			retry, _ := cmd.Flags().GetBool("retry")
			if ack && retry {
				return errors.New("--ack and --retry are mutually exclusive")
			}

			ctx, cancel := signalContext()
			defer cancel()

			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.shutdown()

			ctrl, err := a.controller(ctx)
			if err != nil {
				return err
			}

			h, err := ctrl.Claim(ctx, queue.ClaimOptions{ExcludeGroups: trimAll(exclude)})
			if errors.Is(err, queue.ErrEmpty) {
				fmt.Fprintln(cmd.ErrOrStderr(), "queue is empty")
				return nil
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(h.Item()); err != nil {
				return err
			}

			switch {
			case ack:
				return h.Acknowledge(ctx)
			case retry:
				return h.Retry(ctx)
			}
			return nil
		},
	}
	cmd.Flags().StringSlice("exclude", nil, "groups to skip, comma separated")
	cmd.Flags().Bool("ack", false, "acknowledge the item right after claiming it")
	cmd.Flags().Bool("retry", false, "return the item to the queue right after claiming it")
	return cmd
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
