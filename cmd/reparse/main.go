// Rebuilds records from previously dumped frame files, so extractor
// changes can be applied without refetching anything.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"hashdive-scraper/lib/osutil"
	"hashdive-scraper/lib/scrapers/hashdive"
)

func main() {
	dumps := flag.String("dumps", filepath.Join("logs", "messages"), "directory holding per-address frame dumps")
	output := flag.String("output", "user_data", "directory records are written to")
	flag.Parse()

	entries, err := os.ReadDir(*dumps)
	if err != nil {
		osutil.Fatal("failed to list frame dumps", err)
	}

	sink := hashdive.Sink{OutputDir: *output}
	rebuilt := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		address := entry.Name()

		frames, err := hashdive.ReadFrameDump(filepath.Join(*dumps, address))
		if err != nil {
			slog.Error("failed to read frame dump", "address", address, "err", err.Error())
			continue
		}
		if len(frames) == 0 {
			continue
		}

		record := hashdive.BuildRecord(frames)
		if record.UserAddress == "" {
			record.UserAddress = address
		}
		err = sink.WriteRecord(record)
		if err != nil {
			osutil.Fatal("failed to write record", err)
		}
		rebuilt++

		fmt.Printf("%s: %d frames, %d fields\n", address, len(frames), record.NonNullFields())
	}

	slog.Info("reparse complete", "records", rebuilt)
}
