// Package directshard runs units of work against a single shard.
//
// Execute attaches a shard scope to the context it passes to the unit of
// work. Connections obtained through a dbconn.ShardAwareProvider with that
// context are bound to the shard; the scope is cleared when Execute
// returns, whether the unit of work succeeds, fails or panics.
//
//	orders, err := directshard.Execute(ctx, tmpl, key, func(ctx context.Context) ([]Order, error) {
//		return loadOrders(ctx, provider, customerID)
//	})
package directshard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/block/directshard/pkg/metrics"
	"github.com/block/directshard/pkg/shardctx"
	"github.com/block/directshard/pkg/shardkey"
)

// Callback is a unit of work. ctx carries the shard scope and must be
// used for every connection the unit of work acquires.
type Callback[T any] func(ctx context.Context) (T, error)

// Template holds the logger and metrics sink used by Execute. A nil
// *Template logs to slog.Default and sends no metrics.
type Template struct {
	Logger  *slog.Logger
	Metrics metrics.Sink
}

func New(logger *slog.Logger) *Template {
	if logger == nil {
		logger = slog.Default()
	}
	return &Template{Logger: logger, Metrics: &metrics.NoopSink{}}
}

func (t *Template) logger() *slog.Logger {
	if t == nil || t.Logger == nil {
		return slog.Default()
	}
	return t.Logger
}

func (t *Template) sink() metrics.Sink {
	if t == nil {
		return nil
	}
	return t.Metrics
}

// Execute runs cb with key as the active sharding key.
// It is ExecuteWithSuperKey with no super sharding key.
func Execute[T any](ctx context.Context, t *Template, key shardkey.Key, cb Callback[T]) (T, error) {
	return ExecuteWithSuperKey(ctx, t, key, shardkey.Key{}, cb)
}

// ExecuteWithSuperKey runs cb with key, and super when it is not zero, as
// the active shard binding, and returns cb's result.
//
// A zero key or nil cb fails with shardkey.ErrInvalidArgument. If ctx
// already carries an active binding, cb joins it when the binding is the
// same and the call fails with shardkey.ErrInvalidArgument when it is not.
//
// Errors from cb are returned unchanged when they are already classified
// (a *shardkey.Error), when they are context cancellation or deadline
// errors, or when they are runtime errors. Any other error is wrapped once
// in shardkey.ErrUndeclaredCallback with the original as its cause. Panics
// are not recovered.
func ExecuteWithSuperKey[T any](ctx context.Context, t *Template, key, super shardkey.Key, cb Callback[T]) (T, error) {
	var zero T
	if key.IsZero() {
		return zero, &shardkey.Error{Kind: shardkey.KindInvalidArgument, Op: "execute", Err: errors.New("sharding key is required")}
	}
	if cb == nil {
		return zero, &shardkey.Error{Kind: shardkey.KindInvalidArgument, Op: "execute", Err: errors.New("callback is required")}
	}
	binding := shardkey.Binding{Key: key, Super: super}
	logger := t.logger()

	if outer, ok := shardctx.BindingFrom(ctx); ok {
		if !outer.Equal(binding) {
			return zero, &shardkey.Error{
				Kind: shardkey.KindInvalidArgument,
				Op:   fmt.Sprintf("execute on shard %q", binding),
				Err:  fmt.Errorf("already executing on shard %q", outer),
			}
		}
		logger.DebugContext(ctx, "joining enclosing shard scope",
			"scope", shardctx.FromContext(ctx).ID(), "shard", binding.String())
		return invoke(ctx, t, binding, cb)
	}

	scopedCtx, scope := shardctx.NewContext(ctx)
	scope.SetShardingKey(key)
	if !super.IsZero() {
		scope.SetSuperShardingKey(super)
	}
	start := time.Now()
	logger.DebugContext(ctx, "entering shard scope", "scope", scope.ID(), "shard", binding.String())
	defer func() {
		scope.Clear()
		logger.DebugContext(ctx, "left shard scope", "scope", scope.ID(), "duration", time.Since(start))
	}()
	return invoke(scopedCtx, t, binding, cb)
}

func invoke[T any](ctx context.Context, t *Template, binding shardkey.Binding, cb Callback[T]) (T, error) {
	start := time.Now()
	result, err := cb(ctx)
	values := []metrics.MetricValue{
		metrics.Counter(metrics.CallbackTotalMetricName, 1),
		metrics.Histogram(metrics.CallbackDurationMetricName, time.Since(start).Seconds()),
	}
	if err != nil {
		values = append(values, metrics.Counter(metrics.CallbackFailuresMetricName, 1))
	}
	metrics.Send(ctx, t.sink(), t.logger(), values...)
	if err != nil {
		var zero T
		return zero, classify(ctx, t.logger(), binding, err)
	}
	return result, nil
}

// classify decides whether err passes through unchanged or is wrapped.
func classify(ctx context.Context, logger *slog.Logger, binding shardkey.Binding, err error) error {
	if passThrough(err) {
		return err
	}
	logger.WarnContext(ctx, "shard callback failed", "shard", binding.String(), "error", err)
	return &shardkey.Error{
		Kind: shardkey.KindUndeclaredCallback,
		Op:   fmt.Sprintf("execute on shard %q", binding),
		Err:  err,
	}
}

func passThrough(err error) bool {
	if shardkey.KindOf(err) != shardkey.KindCaller {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var rtErr runtime.Error
	return errors.As(err, &rtErr)
}

// Run is the result-less form of ExecuteWithSuperKey. super may be zero.
func (t *Template) Run(ctx context.Context, key, super shardkey.Key, fn func(ctx context.Context) error) error {
	if fn == nil {
		return &shardkey.Error{Kind: shardkey.KindInvalidArgument, Op: "execute", Err: errors.New("callback is required")}
	}
	_, err := ExecuteWithSuperKey(ctx, t, key, super, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
