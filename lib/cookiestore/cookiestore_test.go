package cookiestore

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeCookieFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cookies.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestGetFromFile(t *testing.T) {
	path := writeCookieFile(t, `{
		"ajs_anonymous_id": "anon",
		"_streamlit_user": "user",
		"_streamlit_xsrf": "xsrf",
		"unrelated": "x"
	}`)

	cookies, err := Get(
		context.Background(),
		Config{File: path},
		"hashdive.com",
		[]string{"ajs_anonymous_id", "_streamlit_user", "_streamlit_xsrf"},
	)
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"ajs_anonymous_id": "anon",
		"_streamlit_user":  "user",
		"_streamlit_xsrf":  "xsrf",
	}, cookies)
}

func TestGetIncomplete(t *testing.T) {
	path := writeCookieFile(t, `{"ajs_anonymous_id": "anon", "_streamlit_user": ""}`)

	_, err := Get(
		context.Background(),
		Config{File: path},
		"hashdive.com",
		[]string{"ajs_anonymous_id", "_streamlit_user", "_streamlit_xsrf"},
	)
	require.ErrorIs(t, err, ErrIncomplete)
	require.ErrorContains(t, err, "_streamlit_user")
	require.ErrorContains(t, err, "_streamlit_xsrf")
}

func TestGetNoSource(t *testing.T) {
	_, err := Get(context.Background(), Config{}, "hashdive.com", []string{"a"})
	require.Error(t, err)
}

func TestGetFromChrome(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "Cookies")
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`create table cookies (host_key text, name text, value text)`)
	require.NoError(t, err)
	for _, row := range [][]string{
		{".hashdive.com", "ajs_anonymous_id", "anon"},
		{"hashdive.com", "_streamlit_user", "user"},
		{".hashdive.com", "_streamlit_xsrf", "xsrf"},
		{".example.com", "other", "x"},
	} {
		_, err = db.Exec(`insert into cookies (host_key, name, value) values (?, ?, ?)`, row[0], row[1], row[2])
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	cookies, err := Get(
		context.Background(),
		Config{ChromeDBPath: dbPath},
		"hashdive.com",
		[]string{"ajs_anonymous_id", "_streamlit_user", "_streamlit_xsrf"},
	)
	require.NoError(t, err)
	require.Equal(t, "anon", cookies["ajs_anonymous_id"])
	require.Equal(t, "user", cookies["_streamlit_user"])
	require.NotContains(t, cookies, "other")
}

func TestHeaderStable(t *testing.T) {
	header := Header(map[string]string{"b": "2", "a": "1", "c": "3"})
	require.Equal(t, "a=1; b=2; c=3", header)
}

func TestMatchesDomain(t *testing.T) {
	require.True(t, matchesDomain(".hashdive.com", "hashdive.com"))
	require.True(t, matchesDomain("hashdive.com", "hashdive.com"))
	require.False(t, matchesDomain(".example.com", "hashdive.com"))
}
