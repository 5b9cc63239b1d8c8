package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"
)

// callScript receives [fn, args] as a single serialized argument.
const callScript = `([fn, args]) => window[fn](...args)`

// PlaywrightDriver drives Chromium through the Playwright driver process.
type PlaywrightDriver struct {
	logger *zap.Logger
}

func NewPlaywrightDriver(logger *zap.Logger) *PlaywrightDriver {
	return &PlaywrightDriver{logger: logger.Named("playwright")}
}

// InstallPlaywright downloads the Playwright driver and Chromium.
func InstallPlaywright() error {
	return playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}})
}

func (d *PlaywrightDriver) Launch(ctx context.Context, opts LaunchOptions) (Instance, error) {
	d.logger.Info("Starting playwright")
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}

	var browser playwright.Browser
	if opts.RemoteURL != "" {
		d.logger.Info("Connecting to remote browser", zap.String("url", opts.RemoteURL))
		browser, err = pw.Chromium.ConnectOverCDP(opts.RemoteURL)
	} else {
		d.logger.Info("Launching chromium", zap.Bool("headless", opts.Headless))
		launch := playwright.BrowserTypeLaunchOptions{
			Headless: playwright.Bool(opts.Headless),
			Args:     opts.Args,
		}
		if opts.ExecPath != "" {
			launch.ExecutablePath = playwright.String(opts.ExecPath)
		}
		browser, err = pw.Chromium.Launch(launch)
	}
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	var contextOpts playwright.BrowserNewContextOptions
	if opts.UserAgent != "" {
		contextOpts.UserAgent = playwright.String(opts.UserAgent)
	}
	bctx, err := browser.NewContext(contextOpts)
	if err != nil {
		_ = browser.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("new browser context: %w", err)
	}
	inst := &playwrightInstance{pw: pw, browser: browser, context: bctx}

	if opts.InitScript != "" {
		if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(opts.InitScript)}); err != nil {
			_ = inst.Close()
			return nil, fmt.Errorf("add init script: %w", err)
		}
	}
	inst.page, err = bctx.NewPage()
	if err != nil {
		_ = inst.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}

	// Playwright calls are not context-aware; tear the engine down if the
	// owner goes away.
	inst.stop = context.AfterFunc(ctx, func() { _ = inst.Close() })
	return inst, nil
}

type playwrightInstance struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
	stop    func() bool

	closeOnce sync.Once
	closeErr  error
}

func (i *playwrightInstance) Navigate(ctx context.Context, url string) error {
	opts := playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateLoad}
	if deadline, ok := ctx.Deadline(); ok {
		opts.Timeout = playwright.Float(float64(time.Until(deadline).Milliseconds()))
	}
	_, err := await(ctx, func() (playwright.Response, error) {
		return i.page.Goto(url, opts)
	})
	return err
}

func (i *playwrightInstance) Cookies(ctx context.Context) ([]Cookie, error) {
	raw, err := await(ctx, func() ([]playwright.Cookie, error) {
		return i.context.Cookies()
	})
	if err != nil {
		return nil, err
	}
	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain})
	}
	return cookies, nil
}

func (i *playwrightInstance) Call(ctx context.Context, fn string, args ...any) (any, error) {
	if args == nil {
		args = []any{}
	}
	return await(ctx, func() (any, error) {
		return i.page.Evaluate(callScript, []any{fn, args})
	})
}

func (i *playwrightInstance) Closed() bool {
	return i.page == nil || i.page.IsClosed()
}

func (i *playwrightInstance) Close() error {
	i.closeOnce.Do(func() {
		if i.stop != nil {
			i.stop()
		}
		var errs []error
		if i.context != nil {
			errs = append(errs, i.context.Close())
		}
		if i.browser != nil {
			errs = append(errs, i.browser.Close())
		}
		errs = append(errs, i.pw.Stop())
		i.closeErr = errors.Join(errs...)
	})
	return i.closeErr
}

// await runs a blocking playwright call and gives up when ctx ends. The call
// itself keeps running in the driver until it completes.
func await[T any](ctx context.Context, call func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := call()
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
