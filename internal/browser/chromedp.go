package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// ChromeDriver drives Chrome over the DevTools protocol.
type ChromeDriver struct {
	logger *zap.Logger
}

func NewChromeDriver(logger *zap.Logger) *ChromeDriver {
	return &ChromeDriver{logger: logger.Named("chromedp")}
}

func (d *ChromeDriver) Launch(ctx context.Context, opts LaunchOptions) (Instance, error) {
	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if opts.RemoteURL != "" {
		d.logger.Info("Connecting to remote browser", zap.String("url", opts.RemoteURL))
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, opts.RemoteURL)
	} else {
		d.logger.Info("Launching chromium", zap.Bool("headless", opts.Headless))
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, allocatorOptions(opts)...)
	}

	sugar := d.logger.Sugar()
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Errorf),
	)
	inst := &chromeInstance{
		ctx: tabCtx,
		cancel: func() {
			tabCancel()
			allocCancel()
		},
	}

	// The first Run allocates the browser and binds it to tabCtx, so it must
	// not be given a shorter-lived context.
	actions := []chromedp.Action{network.Enable()}
	if opts.InitScript != "" {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(opts.InitScript).Do(ctx)
			return err
		}))
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		inst.cancel()
		return nil, fmt.Errorf("start chromium: %w", err)
	}
	return inst, nil
}

// allocatorOptions mirrors the flag set used for automation-resistant
// headless runs.
func allocatorOptions(opts LaunchOptions) []chromedp.ExecAllocatorOption {
	out := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if !opts.Headless {
		out = append(out, chromedp.Flag("headless", false))
	}
	out = append(out,
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-gpu", opts.Headless),
	)
	if opts.ExecPath != "" {
		out = append(out, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.UserAgent != "" {
		out = append(out, chromedp.UserAgent(opts.UserAgent))
	}
	for _, arg := range opts.Args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name == "" {
			continue
		}
		if hasValue {
			out = append(out, chromedp.Flag(name, value))
		} else {
			out = append(out, chromedp.Flag(name, true))
		}
	}
	return out
}

type chromeInstance struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// bind derives a context on the tab that also ends when ctx does.
func (i *chromeInstance) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(i.ctx)
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		parent := cancel
		cancel = func() {
			cancelDeadline()
			parent()
		}
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (i *chromeInstance) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := i.bind(ctx)
	defer cancel()
	return chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (i *chromeInstance) Cookies(ctx context.Context) ([]Cookie, error) {
	runCtx, cancel := i.bind(ctx)
	defer cancel()

	var raw []*network.Cookie
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain})
	}
	return cookies, nil
}

func (i *chromeInstance) Call(ctx context.Context, fn string, args ...any) (any, error) {
	expr, err := callExpression(fn, args...)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := i.bind(ctx)
	defer cancel()

	var res any
	err = chromedp.Run(runCtx, chromedp.Evaluate(expr, &res, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (i *chromeInstance) Closed() bool { return i.ctx.Err() != nil }

func (i *chromeInstance) Close() error {
	err := chromedp.Cancel(i.ctx)
	i.cancel()
	return err
}

// callExpression renders window[fn](args...) with JSON-encoded operands.
func callExpression(fn string, args ...any) (string, error) {
	name, err := json.Marshal(fn)
	if err != nil {
		return "", err
	}
	operands := make([]string, len(args))
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return "", fmt.Errorf("encode argument %d: %w", i, err)
		}
		operands[i] = string(b)
	}
	return fmt.Sprintf("window[%s](%s)", name, strings.Join(operands, ", ")), nil
}
