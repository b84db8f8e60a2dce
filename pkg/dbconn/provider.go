package dbconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/block/directshard/pkg/metrics"
	"github.com/block/directshard/pkg/shardctx"
	"github.com/block/directshard/pkg/shardkey"
)

var errNoConnection = errors.New("pool returned no connection")

// ShardAwareProvider is the connection acquisition path used by data
// access code. When the context carries an active shard scope, every
// connection it returns is bound to that scope's shard.
type ShardAwareProvider struct {
	pool    Pool
	logger  *slog.Logger
	metrics metrics.Sink
}

func NewShardAwareProvider(pool Pool, logger *slog.Logger) *ShardAwareProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShardAwareProvider{pool: pool, logger: logger, metrics: &metrics.NoopSink{}}
}

// SetMetricsSink replaces the default no-op sink.
func (p *ShardAwareProvider) SetMetricsSink(sink metrics.Sink) {
	p.metrics = sink
}

// GetConnection acquires a connection from the pool and, if ctx carries a
// shard scope, binds it to the scope's keys.
//
// Acquisition errors are returned unchanged. Binding a connection already
// bound to another shard returns shardkey.ErrCrossShardBinding. Any other
// binding failure is returned as shardkey.ErrAcquisition with the driver
// error as cause. On a binding failure the connection goes back to the pool.
func (p *ShardAwareProvider) GetConnection(ctx context.Context) (*Conn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		metrics.Send(ctx, p.metrics, p.logger, metrics.Counter(metrics.AcquisitionFailuresMetricName, 1))
		return nil, err
	}
	if conn == nil {
		metrics.Send(ctx, p.metrics, p.logger, metrics.Counter(metrics.AcquisitionFailuresMetricName, 1))
		return nil, &shardkey.Error{Kind: shardkey.KindAcquisition, Op: "acquire", Err: errNoConnection}
	}
	scope := shardctx.FromContext(ctx)
	binding, ok := scope.Binding()
	if !ok {
		return conn, nil
	}
	_, wasBound := conn.CurrentBinding()
	if err := conn.BindShardingKey(ctx, binding); err != nil {
		return nil, p.bindFailed(ctx, scope, conn, binding, err)
	}
	if wasBound {
		metrics.Send(ctx, p.metrics, p.logger, metrics.Counter(metrics.BindReusedMetricName, 1))
	} else {
		p.logger.DebugContext(ctx, "bound connection to shard", "scope", scope.ID(), "shard", binding.String())
		metrics.Send(ctx, p.metrics, p.logger, metrics.Counter(metrics.BindTotalMetricName, 1))
	}
	return conn, nil
}

func (p *ShardAwareProvider) bindFailed(ctx context.Context, scope *shardctx.Scope, conn *Conn, binding shardkey.Binding, err error) error {
	if relErr := p.pool.Release(ctx, conn); relErr != nil {
		p.logger.WarnContext(ctx, "failed to release connection after bind failure", "error", relErr)
	}
	switch shardkey.KindOf(err) {
	case shardkey.KindBindingConflict:
		p.logger.WarnContext(ctx, "rejected cross-shard use of a bound connection",
			"scope", scope.ID(), "shard", binding.String(), "error", err)
		metrics.Send(ctx, p.metrics, p.logger, metrics.Counter(metrics.CrossShardRejectionsMetricName, 1))
		return err
	case shardkey.KindInvalidArgument:
		return err
	}
	if IsTargetRejected(err) {
		p.logger.WarnContext(ctx, "server rejected shard target", "scope", scope.ID(), "shard", binding.String())
	}
	metrics.Send(ctx, p.metrics, p.logger, metrics.Counter(metrics.AcquisitionFailuresMetricName, 1))
	return &shardkey.Error{
		Kind: shardkey.KindAcquisition,
		Op:   fmt.Sprintf("bind connection to shard %q", binding),
		Err:  err,
	}
}

// ReleaseConnection hands a connection obtained from GetConnection back to
// the pool.
func (p *ShardAwareProvider) ReleaseConnection(ctx context.Context, conn *Conn) error {
	return p.pool.Release(ctx, conn)
}
