package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"hashdive-scraper/lib/cookiestore"
	"hashdive-scraper/lib/osutil"
	"hashdive-scraper/lib/scrapers/hashdive"
	"hashdive-scraper/lib/streamws"
	"hashdive-scraper/lib/telemetry"
	"hashdive-scraper/lib/wirecodec"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var flags struct {
	csvPath     string
	output      string
	debug       string
	cookieFile  string
	chromeDB    string
	descriptors string
	limit       int
	offset      int
	refetch     bool
	poolSize    int
	concurrency int
	pacing      time.Duration
}

var rootCmd = &cobra.Command{
	Use:   "fetchusers",
	Short: "fetchusers scrapes a batch of hashdive trader profiles into per-user json records.",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&flags.csvPath, "csv", "users.csv", "target csv, must have a user_address column")
	rootCmd.Flags().StringVar(&flags.output, "output", "user_data", "directory records are written to")
	rootCmd.Flags().StringVar(&flags.debug, "debug", "", "directory decoded frames are dumped under, empty disables dumps")
	rootCmd.Flags().StringVar(&flags.cookieFile, "cookies", "", "path to a json cookie file")
	rootCmd.Flags().StringVar(&flags.chromeDB, "chrome-cookies", "", "path to a Chrome cookie database")
	rootCmd.Flags().StringVar(&flags.descriptors, "descriptors", "stream.binpb", "path to the wire schema descriptor set")
	rootCmd.Flags().IntVar(&flags.limit, "limit", 0, "cap on targets processed, 0 means all")
	rootCmd.Flags().IntVar(&flags.offset, "offset", 0, "targets to skip from the top of the csv")
	rootCmd.Flags().BoolVar(&flags.refetch, "refetch", false, "refetch targets that already have a record on disk")
	rootCmd.Flags().IntVar(&flags.poolSize, "pool-size", 10, "websocket session pool capacity")
	rootCmd.Flags().IntVar(&flags.concurrency, "concurrency", 1, "runs in flight at once")
	rootCmd.Flags().DurationVar(&flags.pacing, "pacing", time.Second, "delay between run starts")
}

func run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	t, err := telemetry.SetupFromEnv(ctx, "fetchusers")
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer t.Shutdown(context.Background())
	telemetry.InstrumentPerfStats(ctx)

	targets, err := hashdive.LoadTargets(flags.csvPath)
	if err != nil {
		return fmt.Errorf("load targets: %w", err)
	}

	cookies, err := cookiestore.Get(
		ctx,
		cookiestore.Config{File: flags.cookieFile, ChromeDBPath: flags.chromeDB},
		"hashdive.com",
		hashdive.RequiredCookies,
	)
	if err != nil {
		return fmt.Errorf("load session cookies: %w", err)
	}

	codec, err := wirecodec.NewDescriptorCodec(flags.descriptors)
	if err != nil {
		return fmt.Errorf("load wire schemas: %w", err)
	}

	client, err := hashdive.NewClient(hashdive.Options{
		Cookies: cookies,
		Codec:   codec,
	})
	if err != nil {
		return err
	}
	pool := streamws.NewPool(client.SessionConfig(), streamws.PoolOptions{
		Capacity: flags.poolSize,
	})
	defer pool.CloseAll()
	client.SetPool(pool)

	err = client.Preflight(ctx)
	if err != nil {
		return fmt.Errorf("preflight check: %w", err)
	}

	sink := hashdive.Sink{OutputDir: flags.output, DebugDir: flags.debug}
	summary, err := client.FetchAll(ctx, targets, sink, hashdive.BulkOptions{
		Limit:       flags.limit,
		Offset:      flags.offset,
		Refetch:     flags.refetch,
		Concurrency: flags.concurrency,
		Pacing:      flags.pacing,
		OnResult: func(target hashdive.Target, record *hashdive.UserRecord, err error) {
			if err != nil || record == nil {
				return
			}
			fmt.Printf("%s: %d fields\n", target.Address, record.NonNullFields())
		},
	})
	if err != nil {
		return err
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Total", "Succeeded", "Skipped", "Failed", "Elapsed"})
	tw.AppendRow(table.Row{
		summary.Total,
		summary.Succeeded,
		summary.Skipped,
		summary.Failed,
		summary.Elapsed.Round(time.Second),
	})
	tw.SetStyle(table.StyleRounded)
	tw.Render()

	return nil
}

func main() {
	ctx := osutil.SignalContext()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
