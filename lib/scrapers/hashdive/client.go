// Package hashdive scrapes trader profiles out of the hashdive web
// app's private push protocol: one request frame in, a stream of
// rendered widget frames out, folded into a single UserRecord.
package hashdive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"hashdive-scraper/lib/cookiestore"
	"hashdive-scraper/lib/streamws"
	"hashdive-scraper/lib/telemetry"
	"hashdive-scraper/lib/wirecodec"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("hashdive.lib.scrapers.hashdive")

// Cookies the remote requires on the websocket handshake. An
// incomplete set means authentication will fail.
var RequiredCookies = []string{"ajs_anonymous_id", "_streamlit_user", "_streamlit_xsrf"}

const (
	DefaultBaseURL   = "https://hashdive.com"
	DefaultStreamURL = "wss://hashdive.com/_stcore/stream"
	defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/141.0.0.0 Safari/537.36"

	// the app needs a moment after the request frame before it starts
	// pushing widget deltas
	settleDelay = time.Second
)

var ErrAuthExpired = fmt.Errorf("session cookies appear to be expired")

type Options struct {
	BaseURL   string
	StreamURL string
	UserAgent string
	// full required cookie set, see RequiredCookies
	Cookies map[string]string
	Codec   wirecodec.Codec
	// optional, runs fall back to a direct session when nil or
	// exhausted
	Pool *streamws.Pool
	// options for sessions dialed outside the pool
	Open streamws.OpenOptions
}

type Client struct {
	baseURL   string
	streamURL string
	userAgent string
	cookies   map[string]string
	codec     wirecodec.Codec
	pool      *streamws.Pool
	open      streamws.OpenOptions
	http      *resty.Client
}

func NewClient(opts Options) (*Client, error) {
	if opts.Codec == nil {
		return nil, fmt.Errorf("a frame codec is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.StreamURL == "" {
		opts.StreamURL = DefaultStreamURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Open.MaxRetries == 0 {
		opts.Open = streamws.OpenOptions{MaxRetries: 3, BackoffBase: time.Second * 2}
	}

	client := resty.New()
	client.SetBaseURL(opts.BaseURL)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	client.SetHeader("user-agent", opts.UserAgent)
	client.SetHeader("cookie", cookiestore.Header(opts.Cookies))
	client.SetTimeout(time.Second * 30)
	telemetry.InstrumentResty(client, "hashdive.lib.scrapers.hashdive.http")

	return &Client{
		baseURL:   opts.BaseURL,
		streamURL: opts.StreamURL,
		userAgent: opts.UserAgent,
		cookies:   opts.Cookies,
		codec:     opts.Codec,
		pool:      opts.Pool,
		open:      opts.Open,
		http:      client,
	}, nil
}

// SetPool swaps in a session pool after construction. Useful when
// the pool is built from this client's own SessionConfig.
func (c *Client) SetPool(pool *streamws.Pool) {
	c.pool = pool
}

// Preflight fetches the app's landing page over plain HTTP to verify
// the cookies still authenticate before any websocket work starts.
func (c *Client) Preflight(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "client:Preflight")
	defer span.End()

	res, err := c.http.R().SetContext(ctx).Get("/")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch landing page")
		return err
	}
	if res.StatusCode() != http.StatusOK {
		span.SetStatus(codes.Error, "landing page returned non-200")
		return fmt.Errorf("preflight: status %d", res.StatusCode())
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse landing page html")
		return err
	}
	// the app mounts into #root, its absence means we got bounced to
	// an error or login interstitial
	if doc.Find("div#root").Length() == 0 {
		span.SetStatus(codes.Error, ErrAuthExpired.Error())
		return ErrAuthExpired
	}
	return nil
}

// SessionConfig derives the websocket handshake parameters from the
// credentials. The xsrf token rides along as a subprotocol.
func (c *Client) SessionConfig() streamws.Config {
	headers := http.Header{}
	headers.Set("User-Agent", c.userAgent)
	headers.Set("Origin", c.baseURL)
	headers.Set("Cookie", cookiestore.Header(c.cookies))

	subprotocols := []string{"streamlit"}
	if xsrf := c.cookies["_streamlit_xsrf"]; xsrf != "" {
		subprotocols = append(subprotocols, xsrf)
	}

	return streamws.Config{
		URL:          c.streamURL,
		Headers:      headers,
		Subprotocols: subprotocols,
	}
}

// buildRequest fills the rerun template, only the query string varies
// per target.
func (c *Client) buildRequest(address string) map[string]any {
	query := url.Values{"user_address": {address}}.Encode()
	return map[string]any{
		"rerunScript": map[string]any{
			"queryString":    query,
			"widgetStates":   map[string]any{},
			"pageScriptHash": "",
			"pageName":       "Analyze_User",
			"contextInfo": map[string]any{
				"timezone":       "Europe/Istanbul",
				"timezoneOffset": -180,
				"locale":         "en-US",
				"url":            c.baseURL + "/Analyze_User",
				"isEmbedded":     false,
				"colorScheme":    "light",
			},
		},
	}
}

// DecodeFrame turns a wire frame into a generic structure. A frame
// that cannot be decoded yields nil, never an error: codec failures
// skip the frame and the run continues.
func (c *Client) DecodeFrame(frame streamws.Frame) map[string]any {
	if frame.Kind == streamws.FrameBinary {
		decoded, err := c.codec.Decode(frame.Payload, wirecodec.SchemaResponse)
		if err != nil {
			// vendor frames we don't have schema coverage for are
			// expected, drop them quietly
			return nil
		}
		return decoded
	}

	var decoded map[string]any
	err := json.Unmarshal(frame.Payload, &decoded)
	if err != nil {
		return map[string]any{"text": string(frame.Payload)}
	}
	return decoded
}

type AnalyzeOptions struct {
	MaxFrames       int
	PerFrameTimeout time.Duration
	TotalTimeout    time.Duration
	// called for each successfully decoded frame, in arrival order
	OnFrame func(decoded map[string]any, n int)
}

// Result of one analyze-user run. The record may be partial: a run
// that died mid-stream still reports whatever fields were assembled.
type Result struct {
	Record UserRecord
	// decoded frames in arrival order, suitable for a debug dump
	Frames []map[string]any
	// wire frames seen, including ones that failed to decode
	FrameCount int
}

// AnalyzeUser runs one record extraction: lease (or dial) a session,
// send the encoded request, fold the resulting frame stream into a
// record, stop early on the terminal signal, and release the session.
func (c *Client) AnalyzeUser(ctx context.Context, address string, opts AnalyzeOptions) (Result, error) {
	ctx, span := tracer.Start(ctx, "client:AnalyzeUser")
	defer span.End()
	span.SetAttributes(attribute.String("user_address", address))

	if opts.MaxFrames == 0 {
		opts.MaxFrames = 300
	}
	if opts.PerFrameTimeout == 0 {
		opts.PerFrameTimeout = time.Second * 10
	}
	if opts.TotalTimeout == 0 {
		opts.TotalTimeout = time.Second * 120
	}

	payload, err := c.codec.Encode(c.buildRequest(address), wirecodec.SchemaRequest)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode request frame")
		return Result{}, fmt.Errorf("encode request: %w", err)
	}

	sess, pooled, err := c.acquireSession(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to acquire session")
		return Result{}, err
	}
	defer func() {
		if pooled {
			c.pool.Release(sess)
		} else {
			sess.Close()
		}
	}()

	err = sess.Send(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send request frame")
		return Result{}, err
	}

	select {
	case <-time.After(settleDelay):
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	agg := NewAggregator()
	result := Result{}
	streamCtx, stopStream := context.WithCancel(ctx)
	stream := sess.ReceiveStream(streamCtx, streamws.StreamOptions{
		MaxFrames:       opts.MaxFrames,
		PerFrameTimeout: opts.PerFrameTimeout,
		TotalTimeout:    opts.TotalTimeout,
	})
	// the stream goroutine must be gone before the session changes
	// hands, a leftover reader would steal the next run's frames.
	// registered after the release defer so it runs first.
	defer func() {
		stopStream()
		for range stream {
		}
	}()
	for frame := range stream {
		result.FrameCount++

		decoded := c.DecodeFrame(frame)
		if decoded == nil {
			continue
		}
		result.Frames = append(result.Frames, decoded)
		agg.Fold(decoded)
		if opts.OnFrame != nil {
			opts.OnFrame(decoded, result.FrameCount)
		}

		if IsTerminal(decoded) {
			span.AddEvent("terminal frame observed", trace.WithAttributes(
				attribute.Int("frame", result.FrameCount),
			))
			break
		}
	}

	result.Record = agg.Record()
	result.Record.UserAddress = address
	result.Record.FetchedAt = time.Now().UTC().Format(time.RFC3339)

	span.SetAttributes(
		attribute.Int("frames", result.FrameCount),
		attribute.Int("fields", result.Record.NonNullFields()),
	)
	return result, nil
}

// acquireSession leases from the pool when one is configured, falling
// back to a one-off direct session on pool exhaustion.
func (c *Client) acquireSession(ctx context.Context) (*streamws.Session, bool, error) {
	if c.pool != nil {
		sess, err := c.pool.Lease(ctx)
		if err != nil {
			return nil, false, err
		}
		if sess != nil {
			return sess, true, nil
		}
	}

	sess := streamws.NewSession(c.SessionConfig())
	err := sess.Open(ctx, c.open)
	if err != nil {
		return nil, false, err
	}
	return sess, false, nil
}
