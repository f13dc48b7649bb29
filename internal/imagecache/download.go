package imagecache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"
)

// HTTPDownloader fetches images over HTTP, rate limited.
type HTTPDownloader struct {
	Client  *http.Client
	Limiter *rate.Limiter
	Timeout time.Duration
}

// NewHTTPDownloader allows perSecond downloads with the given burst.
func NewHTTPDownloader(timeout time.Duration, perSecond float64, burst int) *HTTPDownloader {
	if perSecond <= 0 {
		perSecond = 4
	}
	if burst <= 0 {
		burst = 1
	}
	return &HTTPDownloader{
		Client:  &http.Client{Timeout: timeout},
		Limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		Timeout: timeout,
	}
}

// Download writes url to dst through a temp file so a failed transfer never
// leaves a partial image under the stable name.
func (d *HTTPDownloader) Download(ctx context.Context, url, dst string) error {
	if d.Limiter != nil {
		if err := d.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".img-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
