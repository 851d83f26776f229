package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/dbadvisor/config"
	"github.com/mohammad-safakhou/dbadvisor/internal/optimizer"
	"github.com/mohammad-safakhou/dbadvisor/internal/workload"
)

func optimizeCMD(cfgPath *string) *cobra.Command {
	var ro runOptions
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Run the optimization loop against the target database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			loop, err := a.newLoop(ctx, ro)
			if err != nil {
				return err
			}
			report, err := loop.Run(ctx)
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&ro.Resume, "resume", false, "continue from the redis history mirror")
	cmd.Flags().IntVar(&ro.MaxRounds, "max-rounds", 0, "stop after N rounds (0 = use optimizer.max_rounds)")
	return cmd
}

func printReport(w io.Writer, r optimizer.Report) {
	fmt.Fprintf(w, "run %s: baseline %.4f, %d round(s), stopped: %s\n", r.RunID, r.Baseline, len(r.Rounds), r.StopReason)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROUND\tRESULT\tIMPROVEMENT\tSTATE\tREVIEWS\tPLAN")
	for _, rec := range r.Rounds {
		result := fmt.Sprintf("%.4f", rec.Result)
		if rec.Failed {
			result = "failed"
		}
		summary := ""
		if rec.Plan != nil {
			summary = rec.Plan.Summary()
		}
		fmt.Fprintf(tw, "%d\t%s\t%.2f%%\t%s\t%d\t%s\n", rec.Round, result, rec.Improvement, rec.State, rec.Reviews, summary)
	}
	_ = tw.Flush()
	if r.Best != nil {
		fmt.Fprintf(w, "best: round %d, result %.4f (%.2f%% improvement)\n", r.Best.Round, r.Best.Result, r.Best.Improvement)
	}
}

func featuresCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "features",
		Short: "Extract workload features once and write them to the log directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			return extractFeatures(ctx, cfg, cmd.OutOrStdout())
		},
	}
}

func extractFeatures(ctx context.Context, cfg *config.Config, w io.Writer) error {
	db, err := openTarget(ctx, cfg.Target)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := os.MkdirAll(cfg.Optimizer.LogDir, 0o755); err != nil {
		return err
	}
	wctx := workload.NewContext(cfg.Optimizer.LogDir, nil)
	if err := workload.NewExtractor(db, nil).Refresh(ctx, wctx); err != nil {
		return err
	}
	for _, s := range workload.Sections {
		fmt.Fprintf(w, "%s: %d bytes\n", s.FileName(), len(wctx.Features(s)))
	}
	return nil
}
