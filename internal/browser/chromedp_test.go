package browser

import (
	"testing"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"xhssign/internal/config"
)

func TestCallExpression(t *testing.T) {
	tests := []struct {
		name string
		fn   string
		args []any
		want string
	}{
		{"no args", "_webmsxyw", nil, `window["_webmsxyw"]()`},
		{"uri and nil data", "_webmsxyw", []any{"/api/sns/web/v1/feed", nil}, `window["_webmsxyw"]("/api/sns/web/v1/feed", null)`},
		{"object data", "_webmsxyw", []any{"/api", map[string]any{"note_id": "abc"}}, `window["_webmsxyw"]("/api", {"note_id":"abc"})`},
		{"quoted name", `a"b`, nil, `window["a\"b"]()`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := callExpression(tt.fn, tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCallExpressionRejectsUnencodableArgs(t *testing.T) {
	_, err := callExpression("f", make(chan int))
	assert.ErrorContains(t, err, "encode argument 0")
}

func TestAllocatorOptionsExtendDefaults(t *testing.T) {
	base := len(chromedp.DefaultExecAllocatorOptions)

	headless := allocatorOptions(LaunchOptions{Headless: true})
	assert.Len(t, headless, base+5)

	full := allocatorOptions(LaunchOptions{
		Headless:  false,
		ExecPath:  "/usr/bin/chromium",
		UserAgent: "Mozilla/5.0",
		Args:      []string{"--no-sandbox", "--lang=zh-CN", "--", ""},
	})
	// headless off, five fixed flags, exec path, user agent, two parsed args
	assert.Len(t, full, base+1+5+1+1+2)
}

func TestNewDriver(t *testing.T) {
	cfg := config.DefaultConfig().Browser

	d, err := NewDriver(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &ChromeDriver{}, d)

	cfg.Driver = config.DriverPlaywright
	d, err = NewDriver(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &PlaywrightDriver{}, d)

	cfg.Driver = "webkit"
	_, err = NewDriver(cfg, zap.NewNop())
	assert.ErrorContains(t, err, "unknown browser driver")
}

func TestLaunchOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig().Browser
	cfg.RemoteURL = "ws://127.0.0.1:9222"
	cfg.Args = []string{"--no-sandbox"}

	opts := launchOptions(cfg, "script")
	assert.Equal(t, "ws://127.0.0.1:9222", opts.RemoteURL)
	assert.Equal(t, []string{"--no-sandbox"}, opts.Args)
	assert.Equal(t, "script", opts.InitScript)
	assert.Equal(t, cfg.Headless, opts.Headless)
}
