// Command shimtool drives conformal shimming of an MRI exam: it talks to the
// scanner's remote interface and the shim coil driver, computes shim
// currents from acquired field maps and serves the whole workflow over HTTP.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/shimtool/internal/config"
)

// options are the persistent flags shared by every subcommand.
type options struct {
	configPath string
	verbose    bool
	serverURL  string
	timeout    time.Duration

	cfg *config.ToolConfig
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "shimtool",
		Short: "Conformal shim calibration and shimming for MRI exams",
		Long: `shimtool sequences calibration and shimming scans on the scanner,
drives the shim coil currents and computes per-slice shim solutions from the
acquired B0 field maps.

Run "shimtool serve" next to the scanner. The procedure subcommands talk to a
running server, so an operator can step through an exam from a shell:

  shimtool asset-calibration
  shimtool fieldmap-scan --slice 0
  shimtool basis-calibration
  shimtool shimmed-scans`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.loadConfig()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (.yaml, .yml or .json; default "+config.DefaultConfigPath+" if present)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	flags.StringVar(&opts.serverURL, "server", "", "base URL of a running shimtool server (default http://<listen>)")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Minute, "how long a remote procedure may run")

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newVersionCmd(),
		newStateCmd(opts),
		newConnectCmd(opts),
		newClearErrorCmd(opts),
		newShimModeCmd(opts),
		newSaveResultsCmd(opts),
	)
	root.AddCommand(newProcedureCmds(opts)...)
	return root
}

// loadConfig reads --config, falling back to the default path when it
// exists and to built-in defaults otherwise.
func (o *options) loadConfig() error {
	path := o.configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err != nil {
			o.cfg = &config.ToolConfig{}
			return nil
		}
		path = config.DefaultConfigPath
	}
	cfg, err := config.LoadToolConfig(path)
	if err != nil {
		return err
	}
	o.cfg = cfg
	return nil
}

func (o *options) server() string {
	if o.serverURL != "" {
		return o.serverURL
	}
	return "http://" + o.cfg.GetListen()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
