// Command reconcile runs one reconciliation pass against the broker and
// prints the merged position table.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"ats-supervisor/config"
	"ats-supervisor/internal/app"
	"ats-supervisor/internal/logger"
	"ats-supervisor/internal/model"
	"ats-supervisor/internal/portfolio"
	"ats-supervisor/internal/reconcile"
)

func main() {
	dbPath := flag.String("db", "", "SQLite database path (overrides SQLITE_PATH)")
	dryRun := flag.Bool("dry-run", false, "compute the merged table without persisting it")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cfg := config.Load()
	if *dbPath != "" {
		cfg.StoreDriver = "sqlite"
		cfg.SQLitePath = *dbPath
	}
	logger.Init("reconcile", logger.Options{Level: logger.ParseLevel(cfg.LogLevel), Format: "text", Output: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ts, err := app.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatalf("[reconcile] store init failed: %v", err)
	}
	defer ts.Close()

	c := app.Build(cfg, app.Session(cfg), ts, app.Notifier(cfg))

	var res reconcile.Result
	if *dryRun {
		res, err = preview(ctx, c)
	} else {
		res, err = c.Manager.Reconcile(ctx)
	}
	if err != nil {
		log.Fatalf("[reconcile] %v", err)
	}

	printTable(os.Stdout, portfolio.SortForView(res.Rows))
	fmt.Printf("\nmerged=%d residuals=%d strays=%d stray_failures=%d tombstones=%d dry_run=%v\n",
		res.Merged, res.Residuals, res.Strays, res.Failed, len(res.Tombstones), *dryRun)
}

// preview merges a fresh snapshot with the stored log without writing.
func preview(ctx context.Context, c *app.Components) (reconcile.Result, error) {
	snap, err := c.Builder.Build(ctx)
	if err != nil {
		return reconcile.Result{}, err
	}
	has, err := c.Store.Has(ctx, snap.Account)
	if err != nil {
		return reconcile.Result{}, err
	}
	if !has {
		res := reconcile.Result{}
		for _, r := range snap.Rows {
			if !r.Position.IsZero() {
				res.Rows = append(res.Rows, r)
				res.Residuals++
			}
		}
		return res, nil
	}
	stored, err := c.Store.Read(ctx, snap.Account)
	if err != nil {
		return reconcile.Result{}, err
	}
	res := c.Engine.Reconcile(ctx, snap, stored)
	if err := reconcile.CheckConservation(snap, res.Rows); err != nil {
		log.Printf("[reconcile] WARNING: %v", err)
	}
	return res, nil
}

func printTable(w io.Writer, rows []model.Position) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "SYMBOL\tASSET CLASS\tSTRATEGY\tPOSITION\tAVG COST\tPRICE\tVALUE (BASE)\t% NAV\tUNREAL PNL\t")
	for _, r := range rows {
		strat := r.Strategy
		if r.IsResidual() {
			strat = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
			r.Symbol, r.AssetClass, strat,
			r.Position.String(),
			r.AverageCost.StringFixed(2),
			r.MarketPrice.StringFixed(2),
			r.MarketValueBase.StringFixed(2),
			r.PercentOfNAV.StringFixed(2),
			r.UnrealizedPnL.StringFixed(2))
	}
	tw.Flush()
}
