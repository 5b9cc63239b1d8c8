package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

type fakeInstance struct {
	mu          sync.Mutex
	navigated   []string
	cookies     []Cookie
	cookiesErr  error
	navigateErr error
	// navigateDelay simulates a page load that honours ctx.
	navigateDelay time.Duration
	closed      atomic.Bool
	callResult  any
	calls       []string
}

func (f *fakeInstance) Navigate(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigated = append(f.navigated, url)
	if f.navigateDelay > 0 {
		if err := sleepContext(ctx, f.navigateDelay); err != nil {
			return err
		}
	}
	return f.navigateErr
}

func (f *fakeInstance) Cookies(ctx context.Context) ([]Cookie, error) {
	return f.cookies, f.cookiesErr
}

func (f *fakeInstance) Call(ctx context.Context, fn string, args ...any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fn)
	return f.callResult, nil
}

func (f *fakeInstance) Closed() bool { return f.closed.Load() }

func (f *fakeInstance) Close() error {
	f.closed.Store(true)
	return nil
}

// fakeDriver hands out instances built by next and records launch options.
type fakeDriver struct {
	mu       sync.Mutex
	launches int
	opts     []LaunchOptions
	next     func(n int) (*fakeInstance, error)
	// gate, when set, blocks Launch until closed.
	gate chan struct{}
}

func (d *fakeDriver) Launch(ctx context.Context, opts LaunchOptions) (Instance, error) {
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	d.launches++
	n := d.launches
	d.opts = append(d.opts, opts)
	d.mu.Unlock()

	inst, err := d.next(n)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (d *fakeDriver) launchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.launches
}

type fakeAssets struct {
	script string
	ok     bool
}

func (a fakeAssets) Load(context.Context) (string, bool) { return a.script, a.ok }

// slowAssets stands in for mirrors that hang until their timeout.
type slowAssets struct {
	delay time.Duration
}

func (a slowAssets) Load(ctx context.Context) (string, bool) {
	_ = sleepContext(ctx, a.delay)
	return "", false
}

var errLaunch = errors.New("chromium exited")
