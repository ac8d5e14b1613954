// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package shardrpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/holomush/holodir/internal/directory"
	"github.com/holomush/holodir/pkg/errutil"
)

const tracerName = "github.com/holomush/holodir/internal/shardrpc"

// DefaultRegisterTimeout bounds the wait for the first shardRegister request.
const DefaultRegisterTimeout = 10 * time.Second

// Server accepts shard streams and connects them to a Directory.
type Server struct {
	dir             *directory.Directory
	tokens          *TokenStore
	log             *slog.Logger
	metrics         *Metrics
	tracer          trace.Tracer
	registerTimeout time.Duration
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(log *slog.Logger) ServerOption {
	return func(s *Server) {
		s.log = log
	}
}

// WithMetrics sets the transport metrics.
func WithMetrics(m *Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithRegisterTimeout sets how long a new stream may wait before registering.
func WithRegisterTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.registerTimeout = d
	}
}

// WithTokenStore overrides the token store, which otherwise reads the
// directory's database.
func WithTokenStore(tokens *TokenStore) ServerOption {
	return func(s *Server) {
		s.tokens = tokens
	}
}

// NewServer creates a Server for dir.
func NewServer(dir *directory.Directory, opts ...ServerOption) *Server {
	s := &Server{
		dir:             dir,
		log:             slog.Default(),
		tracer:          otel.Tracer(tracerName),
		registerTimeout: DefaultRegisterTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tokens == nil {
		s.tokens = NewTokenStore(dir.Database())
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	return s
}

// Connect serves one shard stream until it ends.
func (s *Server) Connect(stream grpc.ServerStream) error {
	ctx := stream.Context()
	shardID, err := s.tokens.Authenticate(ctx, bearerToken(ctx))
	if err != nil {
		s.metrics.AuthFailures.Inc()
		errutil.LogError(s.log, "shard authentication failed", err)
		return status.Error(codes.Unauthenticated, "invalid shard token")
	}

	conn := &shardConn{
		id:         ulid.Make().String(),
		shardID:    shardID,
		server:     s,
		registered: make(chan struct{}),
	}
	log := s.log.With("shard_id", shardID, "connection_id", conn.id)
	conn.log = log
	conn.peer = newPeer(stream, conn, log)

	s.metrics.Connections.Inc()
	defer s.metrics.Connections.Dec()
	log.InfoContext(ctx, "shard stream opened")

	errc := make(chan error, 1)
	go func() { errc <- conn.peer.serve() }()

	timer := time.NewTimer(s.registerTimeout)
	defer timer.Stop()

	select {
	case err = <-errc:
	case <-conn.registered:
		err = <-errc
	case <-timer.C:
		// A registration already under way is allowed to finish.
		conn.regMu.Lock()
		registered := conn.shard() != nil
		if !registered {
			conn.peer.close()
		}
		conn.regMu.Unlock()
		if !registered {
			log.WarnContext(ctx, "shard did not register in time", "timeout", s.registerTimeout)
			return status.Error(codes.DeadlineExceeded, "shard did not register")
		}
		err = <-errc
	}

	if shard := conn.shard(); shard != nil {
		shard.ConnectionLost(conn)
	}
	if err != nil && ctx.Err() == nil {
		errutil.LogError(log, "shard stream failed", err)
		return err
	}
	log.InfoContext(ctx, "shard stream closed")
	return nil
}

// observe wraps a directory to shard call in a span and records its duration.
func (s *Server) observe(ctx context.Context, conn *shardConn, method string, fn func(ctx context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "shardrpc."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.method", method),
			attribute.String("holodir.shard_id", conn.shardID),
			attribute.String("holodir.connection_id", conn.id),
		))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	s.metrics.CallDuration.WithLabelValues(method, outcome).Observe(time.Since(start).Seconds())
	return err
}

// shardConn is the directory.ShardConnection of one stream.
type shardConn struct {
	id      string
	shardID string
	server  *Server
	peer    *peer
	log     *slog.Logger

	// regMu is held while a shardRegister request is processed.
	regMu sync.Mutex

	mu         sync.Mutex
	registered chan struct{}
	host       *directory.Shard
}

var _ directory.ShardConnection = (*shardConn)(nil)

func (c *shardConn) ID() string { return c.id }

func (c *shardConn) shard() *directory.Shard {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host
}

func (c *shardConn) Update(ctx context.Context, req *directory.UpdateRequest) error {
	return c.server.observe(ctx, c, MethodUpdate, func(ctx context.Context) error {
		return c.peer.call(ctx, MethodUpdate, req, nil)
	})
}

func (c *shardConn) CheckCanEnter(ctx context.Context, req directory.SpaceCheckRequest) (directory.SpaceCheckResult, error) {
	var res directory.SpaceCheckResult
	err := c.server.observe(ctx, c, MethodCheckCanEnter, func(ctx context.Context) error {
		return c.peer.call(ctx, MethodCheckCanEnter, req, &res)
	})
	return res, err
}

func (c *shardConn) CheckCanLeave(ctx context.Context, req directory.SpaceCheckRequest) (directory.SpaceCheckResult, error) {
	var res directory.SpaceCheckResult
	err := c.server.observe(ctx, c, MethodCheckCanLeave, func(ctx context.Context) error {
		return c.peer.call(ctx, MethodCheckCanLeave, req, &res)
	})
	return res, err
}

func (c *shardConn) Stop(ctx context.Context) error {
	return c.server.observe(ctx, c, MethodStop, func(ctx context.Context) error {
		return c.peer.call(ctx, MethodStop, struct{}{}, nil)
	})
}

func (c *shardConn) handleRequest(ctx context.Context, method string, payload json.RawMessage) (any, error) {
	if method != MethodRegister {
		return nil, oops.Code(CodeUnknownMethod).With("method", method).Errorf("unknown method %q", method)
	}

	c.regMu.Lock()
	defer c.regMu.Unlock()
	if c.shard() != nil {
		return nil, oops.Code(directory.CodeShardAlreadyRegistered).With("shard_id", c.shardID).Errorf("stream already registered")
	}
	if c.peer.isClosed() {
		return nil, oops.Code(CodeConnectionClosed).With("shard_id", c.shardID).Errorf("stream closed before registration")
	}

	var req directory.ShardRegisterRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, oops.Code(CodeDecodeFailed).With("method", method).Wrap(err)
	}
	resp, err := c.server.dir.Shards().Connect(ctx, c.shardID, &req, c)
	if err != nil {
		return nil, err
	}

	host := c.server.dir.Shards().Get(c.shardID)
	c.mu.Lock()
	c.host = host
	c.mu.Unlock()
	close(c.registered)

	// The stream may have ended while the shard was registering, after
	// Connect last looked for a host to report lost.
	if c.peer.isClosed() {
		if host != nil {
			host.ConnectionLost(c)
		}
		c.log.WarnContext(ctx, "shard stream ended during registration")
		return nil, oops.Code(CodeConnectionClosed).With("shard_id", c.shardID).Errorf("stream closed during registration")
	}
	c.log.InfoContext(ctx, "shard registered",
		"characters", len(resp.Characters),
		"spaces", len(resp.Spaces))
	return resp, nil
}

// handleNotify processes shard notifications off the read loop: both may
// wait on locks held by an operation that is itself waiting for a response
// on this stream. The work runs under the directory's lifetime, not the
// stream's.
func (c *shardConn) handleNotify(ctx context.Context, method string, payload json.RawMessage) {
	shard := c.shard()
	if shard == nil {
		c.log.WarnContext(ctx, "notification before registration", "method", method)
		return
	}
	dir := c.server.dir

	switch method {
	case MethodCharacterError:
		var n CharacterErrorNotice
		if err := json.Unmarshal(payload, &n); err != nil {
			errutil.LogError(c.log, "decode notification failed", oops.Code(CodeDecodeFailed).Wrap(err), "method", method)
			return
		}
		dir.Go(func(ctx context.Context) {
			ch := dir.Characters().Get(n.CharacterID)
			if ch == nil || ch.HostShard() != shard {
				return
			}
			c.log.WarnContext(ctx, "shard reported character error",
				"character_id", n.CharacterID.String(), "reason", n.Reason)
			ch.ForceDisconnectShard(ctx)
		})

	case MethodAutomodKick:
		var n AutomodKickNotice
		if err := json.Unmarshal(payload, &n); err != nil {
			errutil.LogError(c.log, "decode notification failed", oops.Code(CodeDecodeFailed).Wrap(err), "method", method)
			return
		}
		dir.Go(func(ctx context.Context) {
			sp := dir.Spaces().Get(n.SpaceID)
			if sp == nil || sp.Shard() != shard {
				return
			}
			sp.AutomodKick(ctx, n.CharacterID)
		})

	default:
		c.log.WarnContext(ctx, "unknown notification", "method", method)
	}
}
