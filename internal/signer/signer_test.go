package signer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"xhssign/internal/metrics"
	"xhssign/internal/types"
)

// scripted fails until call number succeedOn, then returns result.
type scripted struct {
	calls     atomic.Int32
	succeedOn int32
	result    any
}

func (s *scripted) Evaluate(ctx context.Context, uri string, payload any) (any, error) {
	n := s.calls.Add(1)
	if s.succeedOn > 0 && n >= s.succeedOn {
		return s.result, nil
	}
	return nil, fmt.Errorf("window._webmsxyw is not a function (call %d)", n)
}

type evalFunc func(ctx context.Context, uri string, payload any) (any, error)

func (f evalFunc) Evaluate(ctx context.Context, uri string, payload any) (any, error) {
	return f(ctx, uri, payload)
}

func newEngine(eval Evaluator, m *metrics.Metrics) (*Engine, *[]time.Duration) {
	e := New(eval, Options{MaxAttempts: 10, RetryDelay: 500 * time.Millisecond}, zap.NewNop(), m)
	var pauses []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return ctx.Err()
	}
	return e, &pauses
}

func TestSignSucceedsAfterKMinusOnePauses(t *testing.T) {
	for _, k := range []int32{1, 2, 5, 10} {
		t.Run(fmt.Sprintf("attempt %d", k), func(t *testing.T) {
			eval := &scripted{succeedOn: k, result: map[string]any{"X-s": "XYW_sig", "X-t": float64(1700000000000)}}
			e, pauses := newEngine(eval, nil)

			res, err := e.Sign(context.Background(), "/api/sns/web/v1/feed", map[string]any{"source_note_id": "abc"})
			require.NoError(t, err)
			assert.Equal(t, &types.SignResult{XS: "XYW_sig", XT: "1700000000000"}, res)
			assert.Equal(t, k, eval.calls.Load())
			assert.Len(t, *pauses, int(k-1))
			for _, d := range *pauses {
				assert.Equal(t, 500*time.Millisecond, d)
			}
		})
	}
}

func TestSignExhaustion(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	eval := &scripted{}
	e, pauses := newEngine(eval, m)

	_, err := e.Sign(context.Background(), "/api", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 10, exhausted.Attempts)
	assert.Contains(t, err.Error(), "(call 10)")
	assert.EqualValues(t, 10, eval.calls.Load())
	assert.Len(t, *pauses, 9)

	assert.Equal(t, 10.0, testutil.ToFloat64(m.SignAttempts.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SignRequests.WithLabelValues("exhausted")))
}

func TestExhaustedErrorUnwrapsLast(t *testing.T) {
	last := errors.New("Execution context was destroyed")
	err := error(&ExhaustedError{Attempts: 3, Last: last})
	assert.ErrorIs(t, err, last)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, "signing failed after 3 attempts: Execution context was destroyed", err.Error())
}

func TestSignRejectsNonObjectResults(t *testing.T) {
	for _, raw := range []any{nil, "XYW_sig", float64(1), []any{"x"}} {
		e, _ := newEngine(evalFunc(func(context.Context, string, any) (any, error) { return raw, nil }), nil)
		_, err := e.Sign(context.Background(), "/api", nil)
		require.ErrorIs(t, err, ErrExhausted, "result %#v", raw)
		assert.Contains(t, err.Error(), "want object")
	}
}

func TestSignFieldCasing(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		want types.SignResult
	}{
		{"upper", map[string]any{"X-s": "a", "X-t": "1"}, types.SignResult{XS: "a", XT: "1"}},
		{"lower", map[string]any{"x-s": "b", "x-t": "2"}, types.SignResult{XS: "b", XT: "2"}},
		{"upper wins", map[string]any{"X-s": "a", "x-s": "b", "X-t": "1", "x-t": "2"}, types.SignResult{XS: "a", XT: "1"}},
		{"empty upper falls through", map[string]any{"X-s": "", "x-s": "b", "x-t": float64(17)}, types.SignResult{XS: "b", XT: "17"}},
		{"fractional timestamp", map[string]any{"x-s": "c", "x-t": 1.5}, types.SignResult{XS: "c", XT: "1.5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newEngine(evalFunc(func(context.Context, string, any) (any, error) { return tt.raw, nil }), nil)
			res, err := e.Sign(context.Background(), "/api", nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *res)
		})
	}
}

func TestSignEmptyFieldsStillSucceed(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	e := New(evalFunc(func(context.Context, string, any) (any, error) {
		return map[string]any{"mns": "0"}, nil
	}), Options{MaxAttempts: 10}, zap.New(core), m)

	res, err := e.Sign(context.Background(), "/api", nil)
	require.NoError(t, err)
	assert.Equal(t, &types.SignResult{}, res)
	assert.Equal(t, 1, logs.FilterMessage("Signing function returned an empty x-s").Len())
	assert.Equal(t, 1, logs.FilterMessage("Signing function returned an empty x-t").Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EmptyFields.WithLabelValues("x-s")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SignRequests.WithLabelValues("ok")))
}

func TestSignPassesArgumentsThrough(t *testing.T) {
	var gotURI string
	var gotPayload any
	e, _ := newEngine(evalFunc(func(_ context.Context, uri string, payload any) (any, error) {
		gotURI, gotPayload = uri, payload
		return map[string]any{"X-s": "s", "X-t": "t"}, nil
	}), nil)

	payload := map[string]any{"cursor": "", "num": float64(30)}
	_, err := e.Sign(context.Background(), "/api/sns/web/v1/homefeed", payload)
	require.NoError(t, err)
	assert.Equal(t, "/api/sns/web/v1/homefeed", gotURI)
	assert.Equal(t, payload, gotPayload)
}

func TestSignSerializesEvaluations(t *testing.T) {
	var inFlight, peak atomic.Int32
	e := New(evalFunc(func(context.Context, string, any) (any, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return map[string]any{"X-s": "s", "X-t": "t"}, nil
	}), Options{MaxAttempts: 1}, zap.NewNop(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Sign(context.Background(), "/api", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, peak.Load())
}

func TestSignAttemptTimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	e := New(evalFunc(func(ctx context.Context, _ string, _ any) (any, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return map[string]any{"X-s": "s", "X-t": "t"}, nil
	}), Options{MaxAttempts: 3, AttemptTimeout: 10 * time.Millisecond}, zap.NewNop(), nil)

	res, err := e.Sign(context.Background(), "/api", nil)
	require.NoError(t, err)
	assert.Equal(t, "s", res.XS)
	assert.EqualValues(t, 2, calls.Load())
}

func TestSignStopsOnCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	e, _ := newEngine(evalFunc(func(context.Context, string, any) (any, error) {
		calls.Add(1)
		cancel()
		return nil, errors.New("page crashed")
	}), nil)

	_, err := e.Sign(ctx, "/api", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, calls.Load())
}

type recordingPage struct {
	fn   string
	args []any
}

func (p *recordingPage) Call(_ context.Context, fn string, args ...any) (any, error) {
	p.fn, p.args = fn, args
	return map[string]any{}, nil
}

func TestFunctionEvaluator(t *testing.T) {
	page := &recordingPage{}
	ev := FunctionEvaluator{Page: page, Function: "_webmsxyw"}

	_, err := ev.Evaluate(context.Background(), "/api/sns/web/v2/comment/page", nil)
	require.NoError(t, err)
	assert.Equal(t, "_webmsxyw", page.fn)
	assert.Equal(t, []any{"/api/sns/web/v2/comment/page", nil}, page.args)
}

func TestNewClampsAttempts(t *testing.T) {
	e := New(&scripted{}, Options{}, zap.NewNop(), nil)
	assert.Equal(t, 1, e.opts.MaxAttempts)
}
