//go:build integration

package browser_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"marketwatch/internal/browser"

	"github.com/stretchr/testify/require"
)

func TestRodSession_Relaunch_Integration(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `<html><head><title>Loading</title></head><body>
			<script>document.title = "Marketplace"</script>
			<input type="search" placeholder="Search Marketplace">
			<div role="alert">Something went wrong</div>
		</body></html>`)
	}))
	defer ts.Close()

	profile := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(profile, "SingletonLock"), []byte("x"), 0644))

	sm := browser.NewSessionManager(browser.Config{
		Launch: browser.LaunchOptions{
			ProfileDir:     profile,
			Headless:       true,
			ViewportWidth:  1366,
			ViewportHeight: 768,
			UserAgent:      "marketwatch-test",
		},
		BaseURL:           ts.URL,
		NavigationTimeout: 20 * time.Second,
	}, browser.NewRodLauncher(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	defer func() { _ = sm.Shutdown() }()

	require.NoError(t, sm.Relaunch(ctx))
	require.NoFileExists(t, filepath.Join(profile, "SingletonLock"))

	page, gen, err := sm.Handle().Current()
	require.NoError(t, err)
	require.Equal(t, uint64(1), gen)

	title, err := page.Title(ctx)
	require.NoError(t, err)
	require.Equal(t, "Marketplace", title)

	el, err := page.Find(ctx, browser.T(browser.IntentSearchInput))
	require.NoError(t, err)
	require.NoError(t, el.Fill(ctx, "civic"))
	v, err := el.Value(ctx)
	require.NoError(t, err)
	require.Equal(t, "civic", v)

	found, err := page.ContainsText(ctx, "Something went wrong")
	require.NoError(t, err)
	require.True(t, found)

	_, err = page.Find(ctx, browser.T(browser.IntentCheckpointDismiss))
	require.ErrorIs(t, err, browser.ErrNotFound)

	require.NoError(t, sm.Relaunch(ctx))
	require.False(t, sm.Handle().Valid(gen), "old generation must be stale after relaunch")

	_ = page.Close()
	_, err = page.Title(ctx)
	require.Error(t, err, "title of a closed page must fail")
}
