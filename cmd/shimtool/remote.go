package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/banshee-data/shimtool/internal/api"
)

// remoteProcedure describes one procedure subcommand.
type remoteProcedure struct {
	name      string
	short     string
	needSlice bool
}

var remoteProcedures = []remoteProcedure{
	{"asset-calibration", "Run the ASSET calibration scan and auto prescan", false},
	{"fgre-scan", "Run a single localiser FGRE scan", false},
	{"fieldmap-scan", "Acquire the background field map with the shims at principal", true},
	{"basis-calibration", "Acquire one field-map pair per gradient axis and loop", false},
	{"shimmed-scans", "Apply each slice's solution and acquire its shimmed field map", false},
	{"eval-applied-shims", "Acquire field maps with every slice's solution applied to one slice", true},
	{"set-shim-currents", "Apply the solution of one slice without scanning", true},
	{"overwrite-background", "Fold one slice's applied solution into the principal solution", true},
	{"compute-currents", "Solve for shim currents from the background and basis maps", false},
	{"recompute", "Recompute the solutions, expected maps and statistics", false},
	{"reset-shim-sols", "Discard every computed solution", false},
}

func newProcedureCmds(opts *options) []*cobra.Command {
	cmds := make([]*cobra.Command, 0, len(remoteProcedures))
	for _, p := range remoteProcedures {
		p := p
		var slice int
		cmd := &cobra.Command{
			Use:   p.name,
			Short: p.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				sl := -1
				if p.needSlice {
					sl = slice
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
				defer cancel()
				st, err := opts.client().RunProcedure(ctx, p.name, sl)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			},
		}
		if p.needSlice {
			cmd.Flags().IntVar(&slice, "slice", -1, "slice index")
			_ = cmd.MarkFlagRequired("slice")
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

func (o *options) client() *api.Client {
	return api.NewClient(o.server(), nil)
}

func newStateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the server's exam state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.client().State(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newConnectCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Ask the server to (re)connect to the scanner and shim driver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.client().Connect(cmd.Context())
		},
	}
}

func newClearErrorCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-error",
		Short: "Leave the error state after a failed procedure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.client().ClearError(cmd.Context())
		},
	}
}

func newShimModeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:       "shim-mode slice-wise|volume",
		Short:     "Select per-slice or whole-volume shim solutions",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"slice-wise", "volume"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.client().SetShimMode(cmd.Context(), args[0])
		},
	}
}

func newSaveResultsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "save-results",
		Short: "Write maps, solutions and statistics to a results directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := opts.client().SaveResults(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dir)
			return nil
		},
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
