package hashdive

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Target is one row of the input CSV. The extra columns are carried
// into the output record untouched.
type Target struct {
	Address        string
	WinRate        *float64
	EffectiveCount *float64
	NumMarkets     *int
}

// LoadTargets reads a target CSV with a header row. Only the
// user_address column is required.
func LoadTargets(path string) ([]Target, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	columns := map[string]int{}
	for i, name := range header {
		columns[name] = i
	}
	addressIdx, ok := columns["user_address"]
	if !ok {
		return nil, fmt.Errorf("csv %s is missing a user_address column", path)
	}

	var targets []Target
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if addressIdx >= len(row) || row[addressIdx] == "" {
			continue
		}
		target := Target{Address: row[addressIdx]}
		if idx, ok := columns["win_rate"]; ok && idx < len(row) {
			if v, err := strconv.ParseFloat(row[idx], 64); err == nil {
				target.WinRate = &v
			}
		}
		if idx, ok := columns["effective_count"]; ok && idx < len(row) {
			if v, err := strconv.ParseFloat(row[idx], 64); err == nil {
				target.EffectiveCount = &v
			}
		}
		if idx, ok := columns["num_markets"]; ok && idx < len(row) {
			if v, err := strconv.Atoi(row[idx]); err == nil {
				target.NumMarkets = &v
			}
		}
		targets = append(targets, target)
	}
	return targets, nil
}

type BulkOptions struct {
	// Limit caps how many targets are processed after Offset is
	// applied. 0 means no cap.
	Limit  int
	Offset int
	// Refetch reprocesses targets that already have a record on disk.
	Refetch bool
	// Concurrency is the number of runs in flight at once. Defaults
	// to 1.
	Concurrency int
	// Pacing is the delay between run starts. Defaults to 1s.
	Pacing  time.Duration
	Analyze AnalyzeOptions
	// OnResult is called after each target completes, skips included.
	OnResult func(target Target, record *UserRecord, err error)
}

type BulkSummary struct {
	Total     int
	Succeeded int
	Skipped   int
	Failed    int
	Elapsed   time.Duration
}

// FetchAll runs AnalyzeUser over every target, writing each record
// (and frame dump when enabled) through the sink. Per-target failures
// are recorded in the summary instead of aborting the batch.
func (c *Client) FetchAll(ctx context.Context, targets []Target, sink Sink, opts BulkOptions) (BulkSummary, error) {
	ctx, span := tracer.Start(ctx, "FetchAll")
	defer span.End()

	if opts.Offset > len(targets) {
		opts.Offset = len(targets)
	}
	targets = targets[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(targets) {
		targets = targets[:opts.Limit]
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Pacing <= 0 {
		opts.Pacing = time.Second
	}

	started := time.Now()
	summary := BulkSummary{Total: len(targets)}

	var mu sync.Mutex
	var wg sync.WaitGroup
	slots := make(chan struct{}, opts.Concurrency)

	report := func(target Target, record *UserRecord, err error) {
		mu.Lock()
		switch {
		case err != nil:
			summary.Failed++
		case record == nil:
			summary.Skipped++
		default:
			summary.Succeeded++
		}
		mu.Unlock()
		if opts.OnResult != nil {
			opts.OnResult(target, record, err)
		}
	}

	for i, target := range targets {
		if ctx.Err() != nil {
			break
		}
		if !opts.Refetch && sink.HasRecord(target.Address) {
			slog.InfoContext(ctx, "skipping already fetched user", "address", target.Address)
			report(target, nil, nil)
			continue
		}

		slots <- struct{}{}
		wg.Add(1)
		go func(index int, target Target) {
			defer wg.Done()
			defer func() { <-slots }()

			slog.InfoContext(
				ctx, "fetching user",
				"address", target.Address,
				"progress", fmt.Sprintf("%d/%d", index+1, len(targets)),
			)
			record, err := c.fetchOne(ctx, target, sink, opts.Analyze)
			if err != nil {
				span.AddEvent("target failed", trace.WithAttributes(
					attribute.String("address", target.Address),
				))
				slog.ErrorContext(ctx, "failed to fetch user", "address", target.Address, "err", err)
			}
			report(target, record, err)
		}(i, target)

		// pace run starts so the upstream app is not hammered
		if i < len(targets)-1 {
			select {
			case <-time.After(opts.Pacing):
			case <-ctx.Done():
			}
		}
	}
	wg.Wait()

	summary.Elapsed = time.Since(started)
	span.SetAttributes(
		attribute.Int("total", summary.Total),
		attribute.Int("succeeded", summary.Succeeded),
		attribute.Int("skipped", summary.Skipped),
		attribute.Int("failed", summary.Failed),
	)
	return summary, ctx.Err()
}

func (c *Client) fetchOne(ctx context.Context, target Target, sink Sink, opts AnalyzeOptions) (*UserRecord, error) {
	result, err := c.AnalyzeUser(ctx, target.Address, opts)

	record := result.Record
	if record.UserAddress == "" {
		record.UserAddress = target.Address
	}
	record.WinRate = target.WinRate
	record.EffectiveCount = target.EffectiveCount
	record.NumMarkets = target.NumMarkets

	// persist whatever was aggregated even when the run errored, but a
	// run that never produced a frame leaves no file so a later batch
	// retries it
	if err == nil || result.FrameCount > 0 {
		writeErr := sink.WriteRecord(record)
		if writeErr == nil {
			writeErr = sink.WriteFrameDump(target.Address, result.Frames)
		}
		if err == nil {
			err = writeErr
		}
	}
	if err != nil {
		return &record, err
	}
	return &record, nil
}
