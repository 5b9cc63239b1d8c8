// Package browser owns the single long-lived browser page the signing
// function runs in.
package browser

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"xhssign/internal/config"
)

var (
	// ErrNotReady is returned by page operations when no live session exists.
	ErrNotReady = errors.New("browser session not ready")
	// ErrClosed is returned once the manager has been shut down.
	ErrClosed = errors.New("browser manager closed")
)

// Cookie is the subset of cookie attributes the service reads.
type Cookie struct {
	Name   string
	Value  string
	Domain string
}

// LaunchOptions describe how a driver starts the browser.
type LaunchOptions struct {
	Headless  bool
	ExecPath  string
	RemoteURL string
	UserAgent string
	Args      []string
	// InitScript runs in every document the context creates, before any page
	// script. Empty means no injection.
	InitScript string
}

// Driver starts a browser engine and returns a context with one open page.
// ctx bounds the lifetime of the returned instance, not only the launch.
type Driver interface {
	Launch(ctx context.Context, opts LaunchOptions) (Instance, error)
}

// Instance is one browser context with a single page.
type Instance interface {
	Navigate(ctx context.Context, url string) error
	Cookies(ctx context.Context) ([]Cookie, error)
	// Call invokes window[fn](args...) in the page and returns the JSON value
	// of the result, awaiting it if it is a promise.
	Call(ctx context.Context, fn string, args ...any) (any, error)
	Closed() bool
	Close() error
}

// NewDriver returns the driver named in cfg.Driver.
func NewDriver(cfg config.BrowserConfig, logger *zap.Logger) (Driver, error) {
	switch cfg.Driver {
	case config.DriverChromedp, "":
		return NewChromeDriver(logger), nil
	case config.DriverPlaywright:
		return NewPlaywrightDriver(logger), nil
	default:
		return nil, fmt.Errorf("unknown browser driver %q", cfg.Driver)
	}
}

func launchOptions(cfg config.BrowserConfig, script string) LaunchOptions {
	return LaunchOptions{
		Headless:   cfg.Headless,
		ExecPath:   cfg.ExecPath,
		RemoteURL:  cfg.RemoteURL,
		UserAgent:  cfg.UserAgent,
		Args:       cfg.Args,
		InitScript: script,
	}
}
