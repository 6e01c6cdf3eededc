package cookiestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	_ "modernc.org/sqlite"
)

var tracer = otel.Tracer("hashdive.lib.cookiestore")

var ErrIncomplete = fmt.Errorf("cookie store is missing required cookies")

type Config struct {
	// json file containing a flat name -> value map, takes priority
	// over the chrome store when both are set
	File string `json:"file"`
	// path to a chrome profile's "Cookies" sqlite database
	ChromeDBPath string `json:"chrome_db_path"`
}

// returns the named cookies for a domain, or ErrIncomplete if any of
// them are absent. the caller must treat ErrIncomplete as an
// authentication failure
func Get(ctx context.Context, config Config, domain string, names []string) (map[string]string, error) {
	ctx, span := tracer.Start(ctx, "Get")
	defer span.End()

	var cookies map[string]string
	var err error
	switch {
	case config.File != "":
		cookies, err = fromFile(config.File)
	case config.ChromeDBPath != "":
		cookies, err = fromChrome(ctx, config.ChromeDBPath, domain)
	default:
		err = fmt.Errorf("no cookie source configured")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read cookie source")
		return nil, err
	}

	out := map[string]string{}
	missing := []string{}
	for _, name := range names {
		value, ok := cookies[name]
		if !ok || value == "" {
			missing = append(missing, name)
			continue
		}
		out[name] = value
	}
	if len(missing) > 0 {
		err := fmt.Errorf("%w: %s", ErrIncomplete, strings.Join(missing, ", "))
		span.RecordError(err)
		span.SetStatus(codes.Error, "incomplete cookie set")
		return nil, err
	}
	return out, nil
}

// formats cookies into a Cookie header value, sorted by name so the
// header is stable across runs
func Header(cookies map[string]string) string {
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, len(names))
	for i, name := range names {
		pairs[i] = fmt.Sprintf("%s=%s", name, cookies[name])
	}
	return strings.Join(pairs, "; ")
}

func fromFile(path string) (map[string]string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cookies map[string]string
	err = json.Unmarshal(contents, &cookies)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cookies, nil
}

// reads plaintext cookie values out of a chrome profile's sqlite store.
// encrypted values come back empty, those profiles should be exported
// to a json file instead
func fromChrome(ctx context.Context, dbPath, domain string) (map[string]string, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", dbPath))
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(
		ctx,
		`select host_key, name, value from cookies where host_key like ?`,
		"%"+domain,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cookies := map[string]string{}
	for rows.Next() {
		var hostKey, name, value string
		err = rows.Scan(&hostKey, &name, &value)
		if err != nil {
			return nil, err
		}
		if !matchesDomain(hostKey, domain) {
			continue
		}
		cookies[name] = value
	}
	return cookies, rows.Err()
}

func matchesDomain(hostKey, domain string) bool {
	hostKey = strings.TrimPrefix(hostKey, ".")
	return hostKey == domain || strings.HasSuffix(domain, hostKey) || strings.HasSuffix(hostKey, domain)
}
