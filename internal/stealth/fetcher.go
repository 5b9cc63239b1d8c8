// Package stealth obtains the anti-fingerprint script injected into every
// page of the signing browser.
package stealth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dop251/goja"
	rodstealth "github.com/go-rod/stealth"
	"go.uber.org/zap"

	"xhssign/internal/config"
	"xhssign/internal/metrics"
)

// maxAssetSize caps how much of a mirror response is read.
const maxAssetSize = 8 << 20

// Fetcher resolves the asset from the local cache or the configured mirrors.
// It implements browser.AssetSource.
type Fetcher struct {
	cfg     config.StealthConfig
	client  *http.Client
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewFetcher(cfg config.StealthConfig, client *http.Client, logger *zap.Logger, m *metrics.Metrics) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{
		cfg:     cfg,
		client:  client,
		logger:  logger.Named("stealth"),
		metrics: m,
	}
}

// Obtain returns the path of the asset, downloading it on first use. ok is
// false when no source produced a usable script; that is a degraded mode,
// not an error.
func (f *Fetcher) Obtain(ctx context.Context) (path string, ok bool) {
	if _, err := os.Stat(f.cfg.Path); err == nil {
		f.logger.Info("Anti-fingerprint script already present", zap.String("path", f.cfg.Path))
		f.metrics.StealthFetch("cache")
		return f.cfg.Path, true
	}

	for i, mirror := range f.cfg.Mirrors {
		f.logger.Info("Downloading anti-fingerprint script",
			zap.Int("source", i+1), zap.Int("sources", len(f.cfg.Mirrors)), zap.String("url", mirror))

		body, err := f.download(ctx, mirror)
		if err == nil {
			err = f.check(body)
		}
		if err != nil {
			f.logger.Warn("Mirror rejected", zap.String("url", mirror), zap.Error(err))
			continue
		}
		if err := writeAtomic(f.cfg.Path, body); err != nil {
			f.logger.Error("Failed to persist anti-fingerprint script", zap.String("path", f.cfg.Path), zap.Error(err))
			return "", false
		}
		f.logger.Info("Anti-fingerprint script downloaded", zap.Int("bytes", len(body)))
		f.metrics.StealthFetch("mirror")
		return f.cfg.Path, true
	}

	if f.cfg.EmbeddedFallback {
		err := writeAtomic(f.cfg.Path, []byte(rodstealth.JS))
		if err == nil {
			f.logger.Warn("All mirrors failed, using the bundled evasion script")
			f.metrics.StealthFetch("embedded")
			return f.cfg.Path, true
		}
		f.logger.Error("Failed to persist bundled evasion script", zap.Error(err))
	}

	f.logger.Error("All anti-fingerprint sources failed",
		zap.String("hint", fmt.Sprintf("place stealth.min.js at %s manually or run `xhssign fetch-stealth`", f.cfg.Path)))
	f.metrics.StealthFetch("none")
	return "", false
}

// Load returns the asset content for injection.
func (f *Fetcher) Load(ctx context.Context) (string, bool) {
	path, ok := f.Obtain(ctx)
	if !ok {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		f.logger.Error("Failed to read anti-fingerprint script", zap.String("path", path), zap.Error(err))
		return "", false
	}
	return string(data), true
}

func (f *Fetcher) download(ctx context.Context, url string) ([]byte, error) {
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxAssetSize))
}

// check guards against mirror error pages being cached as the script.
func (f *Fetcher) check(body []byte) error {
	if len(body) < f.cfg.MinSize {
		return fmt.Errorf("body too small to be the script: %d bytes", len(body))
	}
	if f.cfg.VerifySyntax {
		if _, err := goja.Compile("stealth.min.js", string(body), false); err != nil {
			return fmt.Errorf("body is not valid javascript: %w", err)
		}
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".stealth-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
