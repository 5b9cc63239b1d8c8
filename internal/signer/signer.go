// Package signer runs the platform's in-page signing function with bounded
// retries.
package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"xhssign/internal/metrics"
	"xhssign/internal/types"
)

var ErrExhausted = errors.New("signing attempts exhausted")

// ExhaustedError is returned when every attempt failed. Last holds the final
// attempt's error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("signing failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }
func (e *ExhaustedError) Unwrap() error        { return e.Last }

// Evaluator runs the signing function once and returns its raw JSON value.
type Evaluator interface {
	Evaluate(ctx context.Context, uri string, payload any) (any, error)
}

// PageCaller invokes a global function in a live page.
type PageCaller interface {
	Call(ctx context.Context, fn string, args ...any) (any, error)
}

// FunctionEvaluator binds a PageCaller to a named signing function, passing
// uri and payload positionally.
type FunctionEvaluator struct {
	Page     PageCaller
	Function string
}

func (f FunctionEvaluator) Evaluate(ctx context.Context, uri string, payload any) (any, error) {
	return f.Page.Call(ctx, f.Function, uri, payload)
}

type Options struct {
	MaxAttempts    int
	RetryDelay     time.Duration
	AttemptTimeout time.Duration
}

// Engine serializes evaluations against the single page and retries
// transient failures.
type Engine struct {
	eval    Evaluator
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	// page admits one evaluation at a time; waiting honours ctx.
	page  chan struct{}
	sleep func(ctx context.Context, d time.Duration) error
}

func New(eval Evaluator, opts Options, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Engine{
		eval:    eval,
		opts:    opts,
		logger:  logger.Named("signer"),
		metrics: m,
		page:    make(chan struct{}, 1),
		sleep:   sleepContext,
	}
}

// Sign returns the x-s/x-t pair for uri and payload. After MaxAttempts
// failures it returns an *ExhaustedError; a cancelled ctx aborts with
// ctx.Err().
func (e *Engine) Sign(ctx context.Context, uri string, payload any) (*types.SignResult, error) {
	start := time.Now()
	var last error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		log := e.logger.With(zap.Int("attempt", attempt), zap.Int("max_attempts", e.opts.MaxAttempts))
		log.Debug("Evaluating signing function", zap.String("uri", uri))

		res, err := e.attempt(ctx, uri, payload)
		if err == nil {
			e.warnEmpty(log, res)
			e.metrics.Attempt("ok")
			e.metrics.Request("ok", time.Since(start).Seconds())
			log.Info("Signature generated", zap.String("uri", uri))
			return res, nil
		}
		if ctx.Err() != nil {
			e.metrics.Request("canceled", time.Since(start).Seconds())
			return nil, ctx.Err()
		}

		last = err
		e.metrics.Attempt("error")
		log.Warn("Signing attempt failed", zap.Error(err))
		if attempt == e.opts.MaxAttempts {
			break
		}
		if err := e.sleep(ctx, e.opts.RetryDelay); err != nil {
			e.metrics.Request("canceled", time.Since(start).Seconds())
			return nil, err
		}
	}

	e.metrics.Request("exhausted", time.Since(start).Seconds())
	e.logger.Error("Signing failed on every attempt", zap.Int("attempts", e.opts.MaxAttempts), zap.Error(last))
	return nil, &ExhaustedError{Attempts: e.opts.MaxAttempts, Last: last}
}

func (e *Engine) attempt(ctx context.Context, uri string, payload any) (*types.SignResult, error) {
	select {
	case e.page <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-e.page }()

	if e.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.AttemptTimeout)
		defer cancel()
	}

	raw, err := e.eval.Evaluate(ctx, uri, payload)
	if err != nil {
		return nil, err
	}
	fields, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("signing function returned %T, want object", raw)
	}
	return &types.SignResult{
		XS: field(fields, "X-s", "x-s"),
		XT: field(fields, "X-t", "x-t"),
	}, nil
}

// warnEmpty flags results the platform will likely reject. They still count
// as success.
func (e *Engine) warnEmpty(log *zap.Logger, res *types.SignResult) {
	if res.XS == "" {
		e.metrics.EmptyField("x-s")
		log.Warn("Signing function returned an empty x-s")
	}
	if res.XT == "" {
		e.metrics.EmptyField("x-t")
		log.Warn("Signing function returned an empty x-t")
	}
}

// field returns the first non-empty value among keys, rendered as a string.
func field(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringify(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprint(t)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
