package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ILLUVRSE/antigravity/coder/internal/client"
)

type cliOptions struct {
	addr    string
	timeout time.Duration
	asJSON  bool
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:           "coderctl",
		Short:         "Operate versioned artifacts on a coder service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultAddr := os.Getenv("CODER_URL")
	if defaultAddr == "" {
		defaultAddr = "http://localhost:8071"
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", defaultAddr, "coder service base URL (env CODER_URL)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "print raw JSON")

	root.AddCommand(
		artifactsCmd(opts),
		stateCmd(opts),
		historyCmd(opts),
		showCmd(opts),
		eventsCmd(opts),
		deployCmd(opts),
		phaseCmd(opts),
		rollbackCmd(opts),
		executeCmd(opts),
	)
	return root
}

func (o *cliOptions) client() (*client.Client, error) {
	return client.New(o.addr, nil)
}

func (o *cliOptions) requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

func (o *cliOptions) emit(w io.Writer, v interface{}, text func(io.Writer)) error {
	if o.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func artifactsCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "artifacts",
		Short: "List artifacts that have at least one version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			ids, err := c.Artifacts(ctx)
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), ids, func(w io.Writer) {
				for _, id := range ids {
					fmt.Fprintln(w, id)
				}
			})
		},
	}
}

func printState(w io.Writer, st client.State) {
	candidate := "-"
	if st.CandidateID != nil {
		candidate = st.CandidateLabel
	}
	fmt.Fprintf(w, "artifact:  %s\nstable:    %s\ncandidate: %s\nphase:     %d%%\nversions:  %d\n",
		st.ArtifactID, st.StableLabel, candidate, st.PhasePercent, st.Versions)
}

func stateCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state <artifact>",
		Short: "Show stable, candidate and phase for an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			st, err := c.State(ctx, args[0])
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), st, func(w io.Writer) { printState(w, st) })
		},
	}
}

func historyCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <artifact>",
		Short: "List every version of an artifact with its role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			entries, err := c.History(ctx, args[0])
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), entries, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tROLE\tCREATED\tCHECKSUM")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%.12s\n", e.Label, e.Role, e.CreatedAt.Format(time.RFC3339), e.Checksum)
				}
				tw.Flush()
			})
		},
	}
}

func showCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <artifact> <versionId>",
		Short: "Print the source of one version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid version id %q", args[1])
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			v, err := c.Version(ctx, args[0], id)
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), v, func(w io.Writer) { fmt.Fprint(w, v.Source) })
		},
	}
}

func eventsCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events <artifact>",
		Short: "Show recent lifecycle events for an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			evs, err := c.Events(ctx, args[0])
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), evs, func(w io.Writer) {
				for _, ev := range evs {
					fmt.Fprintf(w, "%s  %-20s %v\n", ev.Ts.Format(time.RFC3339), ev.EventType, ev.Payload)
				}
			})
		},
	}
}

func deployCmd(opts *cliOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "deploy <artifact>",
		Short: "Deploy a new version from a file or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var src []byte
			var err error
			if file == "" || file == "-" {
				src, err = io.ReadAll(cmd.InOrStdin())
			} else {
				src, err = os.ReadFile(file)
			}
			if err != nil {
				return fmt.Errorf("read source: %w", err)
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			v, err := c.Deploy(ctx, args[0], string(src))
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), v, func(w io.Writer) {
				fmt.Fprintf(w, "deployed %s %s as %s\n", v.ArtifactID, v.Label, v.Role)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "source file (default stdin)")
	return cmd
}

func phaseCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "phase <artifact> <percent>",
		Short: "Set the share of executions routed to the candidate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pct, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid percent %q", args[1])
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			st, err := c.SetPhase(ctx, args[0], pct)
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), st, func(w io.Writer) { printState(w, st) })
		},
	}
}

func rollbackCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <artifact> <versionId>",
		Short: "Make a version stable and clear the candidate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid version id %q", args[1])
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			st, err := c.Rollback(ctx, args[0], id)
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), st, func(w io.Writer) { printState(w, st) })
		},
	}
}

func executeCmd(opts *cliOptions) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "execute <artifact>",
		Short: "Execute an artifact; with --count, summarise the routing split",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			w := cmd.OutOrStdout()
			if count <= 1 {
				exec, err := c.Execute(ctx, args[0])
				if err != nil {
					return err
				}
				return opts.emit(w, exec, func(w io.Writer) {
					fmt.Fprintf(w, "%s (%s)\n%s", exec.Label, exec.Role, exec.Output)
					if exec.Error != "" {
						fmt.Fprintf(w, "error: %s\n", exec.Error)
					}
				})
			}

			byLabel := map[string]int{}
			failed := 0
			for i := 0; i < count; i++ {
				exec, err := c.Execute(ctx, args[0])
				if err != nil {
					return err
				}
				byLabel[exec.Label]++
				if exec.Error != "" {
					failed++
				}
			}
			summary := map[string]interface{}{"runs": count, "failed": failed, "byVersion": byLabel}
			return opts.emit(w, summary, func(w io.Writer) {
				labels := make([]string, 0, len(byLabel))
				for l := range byLabel {
					labels = append(labels, l)
				}
				sort.Strings(labels)
				for _, l := range labels {
					fmt.Fprintf(w, "%s\t%d\t%.1f%%\n", l, byLabel[l], 100*float64(byLabel[l])/float64(count))
				}
				fmt.Fprintf(w, "failed\t%d\n", failed)
			})
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of executions")
	return cmd
}
