package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"hashdive-scraper/lib/cookiestore"
	"hashdive-scraper/lib/osutil"
	"hashdive-scraper/lib/scrapers/hashdive"
	"hashdive-scraper/lib/telemetry"
	"hashdive-scraper/lib/wirecodec"
)

func main() {
	cookieFile := flag.String("cookies", "", "path to a json cookie file")
	chromeDB := flag.String("chrome-cookies", "", "path to a Chrome cookie database")
	descriptors := flag.String("descriptors", "stream.binpb", "path to the wire schema descriptor set")
	output := flag.String("output", "user_data", "directory to write the record to")
	debug := flag.String("debug", "", "directory to dump decoded frames under, empty disables dumps")
	totalTimeout := flag.Duration("total-timeout", 2*time.Minute, "overall receive deadline for the run")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: fetchuser [flags] <user_address>")
		os.Exit(1)
	}
	address := flag.Arg(0)

	ctx := osutil.SignalContext()

	t, err := telemetry.SetupFromEnv(ctx, "fetchuser")
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		osutil.Fatal("failed to setup telemetry", err)
	}
	defer t.Shutdown(context.Background())

	cookies, err := cookiestore.Get(
		ctx,
		cookiestore.Config{File: *cookieFile, ChromeDBPath: *chromeDB},
		"hashdive.com",
		hashdive.RequiredCookies,
	)
	if err != nil {
		osutil.Fatal("failed to load session cookies", err)
	}

	codec, err := wirecodec.NewDescriptorCodec(*descriptors)
	if err != nil {
		osutil.Fatal("failed to load wire schemas", err)
	}

	client, err := hashdive.NewClient(hashdive.Options{
		Cookies: cookies,
		Codec:   codec,
	})
	if err != nil {
		osutil.Fatal("failed to create client", err)
	}

	err = client.Preflight(ctx)
	if err != nil {
		osutil.Fatal("preflight check failed", err)
	}

	result, err := client.AnalyzeUser(ctx, address, hashdive.AnalyzeOptions{
		TotalTimeout: *totalTimeout,
	})
	if err != nil && result.FrameCount == 0 {
		osutil.Fatal("analyze run failed", err)
	}
	if err != nil {
		slog.Warn("analyze run ended early, writing partial record", "err", err.Error())
	}

	sink := hashdive.Sink{OutputDir: *output, DebugDir: *debug}
	err = sink.WriteRecord(result.Record)
	if err != nil {
		osutil.Fatal("failed to write record", err)
	}
	err = sink.WriteFrameDump(address, result.Frames)
	if err != nil {
		osutil.Fatal("failed to write frame dump", err)
	}

	slog.Info(
		"wrote record",
		"path", sink.RecordPath(address),
		"frames", result.FrameCount,
		"fields", result.Record.NonNullFields(),
	)
}
