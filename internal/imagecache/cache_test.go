package imagecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDownloader struct {
	calls int
	err   error
}

func (f *fakeDownloader) Download(ctx context.Context, url, dst string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(dst, []byte("img:"+url), 0644)
}

func TestStableFileName(t *testing.T) {
	name := StableFileName("Honda Civic 2015", "$9,500", "Austin, TX")
	assert.True(t, strings.HasPrefix(name, "Honda_Civic_2015__9_500_Austin"))
	assert.True(t, strings.HasSuffix(name, ".png"))
	assert.Len(t, name, 30+1+8+4)

	assert.Equal(t, name, StableFileName("Honda Civic 2015", "$9,500", "Austin, TX"))
	assert.NotEqual(t, name, StableFileName("Honda Civic 2015", "$9,400", "Austin, TX"))

	short := StableFileName("Диван", "5", "Киев")
	assert.True(t, strings.HasPrefix(short, "Диван_5_Киев_"), short)
}

func TestResolveOutcomes(t *testing.T) {
	dir := t.TempDir()
	dl := &fakeDownloader{}
	c := New(Options{Dir: dir}, dl)
	ctx := context.Background()

	file, out, err := c.Resolve(ctx, "Sofa", "$50", "Austin", "https://img/1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDownloaded, out)
	assert.FileExists(t, filepath.Join(dir, file))

	_, out, err = c.Resolve(ctx, "Sofa", "$50", "Austin", "https://img/1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCached, out)

	// A fresh cache finds the file left on disk.
	c2 := New(Options{Dir: dir}, dl)
	_, out, err = c2.Resolve(ctx, "Sofa", "$50", "Austin", "https://img/other")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReused, out)

	// A map hit whose file vanished is dropped and downloaded again.
	require.NoError(t, os.Remove(filepath.Join(dir, file)))
	_, out, err = c2.Resolve(ctx, "Sofa", "$50", "Austin", "https://img/1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDownloaded, out)
	assert.Equal(t, 2, dl.calls)

	_, _, err = c.Resolve(ctx, "Sofa", "$50", "Austin", "")
	assert.ErrorIs(t, err, ErrNoImage)
}

func TestResolveDownloadFailureLeavesNoEntry(t *testing.T) {
	c := New(Options{Dir: t.TempDir()}, &fakeDownloader{err: errors.New("boom")})
	_, out, err := c.Resolve(context.Background(), "Lamp", "$5", "Austin", "https://img/2")
	require.Error(t, err)
	assert.Equal(t, OutcomeNone, out)
	assert.Zero(t, c.Len())
}

func TestPutEvictsEarliestAtCapacity(t *testing.T) {
	c := New(Options{Dir: t.TempDir(), MaxEntries: 5000}, nil)
	for i := 0; i < 5000; i++ {
		require.Zero(t, c.Put(fmt.Sprintf("k%d", i), "f"))
	}
	assert.Equal(t, 1, c.Put("k5000", "f"))
	assert.Equal(t, 5000, c.Len())
	assert.False(t, c.Has("k0"))
	assert.True(t, c.Has("k1"))
	assert.True(t, c.Has("k5000"))
}

func TestStatsAdd(t *testing.T) {
	var s Stats
	for _, o := range []Outcome{OutcomeDownloaded, OutcomeCached, OutcomeCached, OutcomeReused, OutcomeNone} {
		s.Add(o)
	}
	assert.Equal(t, Stats{Downloaded: 1, Reused: 1, Cached: 2}, s)
}

func touch(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestSweep(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	c := New(Options{Dir: dir, MaxAge: 30 * time.Minute, Now: func() time.Time { return now }}, nil)

	touch(t, filepath.Join(dir, "Old_Chair_x_aaaaaaaa.png"), now.Add(-time.Hour))
	touch(t, filepath.Join(dir, "Sofa_50_Austin_11111111.png"), now.Add(-10*time.Minute))
	touch(t, filepath.Join(dir, "Sofa_50_Dallas_22222222.png"), now.Add(-5*time.Minute))
	touch(t, filepath.Join(dir, "Table_20_Austin_33333333.jpg"), now.Add(-time.Minute))
	touch(t, filepath.Join(dir, "notes.txt"), now.Add(-time.Hour))

	res, err := c.Sweep()
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1, Duplicates: 1, Kept: 2}, res)

	assert.NoFileExists(t, filepath.Join(dir, "Old_Chair_x_aaaaaaaa.png"))
	assert.NoFileExists(t, filepath.Join(dir, "Sofa_50_Austin_11111111.png"))
	assert.FileExists(t, filepath.Join(dir, "Sofa_50_Dallas_22222222.png"))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}

func TestSweepMissingDir(t *testing.T) {
	c := New(Options{Dir: filepath.Join(t.TempDir(), "missing")}, nil)
	res, err := c.Sweep()
	require.NoError(t, err)
	assert.Zero(t, res)
}

func TestHTTPDownloader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("PNGDATA"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := NewHTTPDownloader(5*time.Second, 100, 1)
	dst := filepath.Join(dir, "a.png")
	require.NoError(t, d.Download(context.Background(), srv.URL+"/a.png", dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "PNGDATA", string(data))

	err = d.Download(context.Background(), srv.URL+"/missing", filepath.Join(dir, "b.png"))
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "b.png"))
}
