package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mklimuk/agenda-pilot/pkg/config"
)

type rootOptions struct {
	configPath string
	dataDir    string
	dbPath     string
	port       string
	device     string
	remotes    string
	window     int
	noRoll     bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "agenda",
		Short:        "Recurring task materializer and multi-folder agenda sync",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	pf.StringVar(&opts.dataDir, "data-dir", "", "directory holding the agenda JSON stores")
	pf.StringVar(&opts.dbPath, "db", "", "path to the SQLite run ledger")
	pf.StringVar(&opts.port, "port", "", "HTTP port")
	pf.StringVar(&opts.device, "device", "", "device name written into sync metadata")
	pf.StringVar(&opts.remotes, "remotes", "", "cloud folders as name=path,name=path")
	pf.IntVar(&opts.window, "window", 0, "generation window in days")
	pf.BoolVar(&opts.noRoll, "no-roll-forward", false, "leave overdue series stalled instead of rolling them forward")

	root.AddCommand(
		newServeCmd(opts),
		newMaterializeCmd(opts),
		newSyncCmd(opts),
		newResolveCmd(opts),
		newStatusCmd(opts),
		newBackupCmd(opts),
	)
	return root
}

// load builds the configuration: defaults, then the file, then the
// environment, then the flags that were set explicitly.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir = o.dataDir
	}
	if flags.Changed("db") {
		cfg.DBPath = o.dbPath
	}
	if flags.Changed("port") {
		cfg.Port = o.port
	}
	if flags.Changed("device") {
		cfg.DeviceName = o.device
	}
	if flags.Changed("remotes") {
		remotes, err := config.ParseRemotes(o.remotes)
		if err != nil {
			return nil, fmt.Errorf("--remotes: %w", err)
		}
		cfg.Remotes = remotes
	}
	if flags.Changed("window") {
		cfg.WindowDays = o.window
	}
	if o.noRoll {
		cfg.RollForward = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// open loads the configuration and wires the shared components.
func (o *rootOptions) open(cmd *cobra.Command) (*app, error) {
	cfg, err := o.load(cmd)
	if err != nil {
		return nil, err
	}
	return newApp(cmd.Context(), cfg)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
