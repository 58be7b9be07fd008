package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"alertlake/internal/bronze"
	"alertlake/internal/config"
	"alertlake/internal/ledger"
	"alertlake/internal/logging"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	envFile string
}

func (o *options) load() (config.Config, *zap.Logger, error) {
	var files []string
	if o.envFile != "" {
		files = append(files, o.envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func (o *options) pipeline() (*bronze.Pipeline, error) {
	cfg, logger, err := o.load()
	if err != nil {
		return nil, err
	}
	return bronze.New(cfg, bronze.WithLogger(logger))
}

func newRootCmd(out io.Writer) *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:          "bronzestats",
		Short:        "Inspect the bronze alert dataset",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&o.envFile, "env-file", "", "env file to load before the environment")
	root.AddCommand(newStatsCmd(o), newRowsCmd(o), newBatchCmd(o))
	return root
}

func newStatsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print totals, unique objects, date range and classification counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := o.pipeline()
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), p.Statistics(cmd.Context()))
		},
	}
}

func newRowsCmd(o *options) *cobra.Command {
	var (
		date  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "rows",
		Short: "Print stored rows, optionally for one observation date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := o.pipeline()
			if err != nil {
				return err
			}
			rows := p.ReadData(cmd.Context(), bronze.ReadOptions{Date: date, Limit: limit})
			if rows == nil {
				rows = []bronze.Row{}
			}
			return writeJSON(cmd.OutOrStdout(), rows)
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "observation date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows to print (0 for all)")
	return cmd
}

func newBatchCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "batch <batch-id>",
		Short: "Print the ledger commit for a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := o.load()
			if err != nil {
				return err
			}
			st, closeLedger, err := ledger.Open(cfg.Ledger.Backend, cfg.Ledger.Dir)
			if err != nil {
				return fmt.Errorf("open ledger: %w", err)
			}
			defer func() { _ = closeLedger() }()
			c, err := ledger.Find(st, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), c)
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
