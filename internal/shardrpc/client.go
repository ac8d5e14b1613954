// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package shardrpc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/holomush/holodir/internal/directory"
	"github.com/holomush/holodir/pkg/errutil"
)

// Handler is implemented by a shard worker to serve directory requests.
type Handler interface {
	Update(ctx context.Context, req *directory.UpdateRequest) error
	CheckCanEnter(ctx context.Context, req directory.SpaceCheckRequest) (directory.SpaceCheckResult, error)
	CheckCanLeave(ctx context.Context, req directory.SpaceCheckRequest) (directory.SpaceCheckResult, error)
	Stop(ctx context.Context) error
}

// ClientConfig holds configuration for the shard client.
type ClientConfig struct {
	// Address is the directory's shard endpoint (e.g., "localhost:9100")
	Address string

	// Token authenticates the shard.
	Token string

	// TLSConfig for the connection. If nil, insecure connection is used.
	TLSConfig *tls.Config

	// KeepaliveTime is how often to ping the server (default: 10s)
	KeepaliveTime time.Duration

	// KeepaliveTimeout is how long to wait for ping response (default: 5s)
	KeepaliveTimeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// DialOptions are appended to the defaults.
	DialOptions []grpc.DialOption
}

// Client is the worker side of the shard stream.
type Client struct {
	conn  *grpc.ClientConn
	token string
	log   *slog.Logger
}

// NewClient creates a client for the directory at cfg.Address. No connection
// is made until Connect.
func NewClient(_ context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Address == "" {
		return nil, oops.Code(CodeInvalidConfig).Errorf("address is required")
	}
	if cfg.Token == "" {
		return nil, oops.Code(CodeInvalidConfig).Errorf("token is required")
	}
	if cfg.KeepaliveTime == 0 {
		cfg.KeepaliveTime = 10 * time.Second
	}
	if cfg.KeepaliveTimeout == 0 {
		cfg.KeepaliveTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	}
	if cfg.TLSConfig != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(cfg.TLSConfig)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, oops.Code(CodeConnectionClosed).With("address", cfg.Address).Wrap(err)
	}
	return &Client{conn: conn, token: cfg.Token, log: cfg.Logger}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Connect opens a stream, registers the shard and starts serving h. The
// session lives until ctx is cancelled, Close is called or the directory
// ends the stream.
func (c *Client) Connect(ctx context.Context, req *directory.ShardRegisterRequest, h Handler) (*Session, *directory.ShardRegisterResponse, error) {
	streamCtx, cancel := context.WithCancel(metadata.AppendToOutgoingContext(ctx, authorizationHeader, "Bearer "+c.token))
	stream, err := c.conn.NewStream(streamCtx, &serviceDesc.Streams[0], connectMethod)
	if err != nil {
		cancel()
		return nil, nil, oops.Code(CodeConnectionClosed).Wrap(err)
	}

	sess := &Session{stream: stream, cancel: cancel, done: make(chan struct{})}
	sess.peer = newPeer(stream, &clientHandler{h: h, log: c.log}, c.log)
	go func() {
		sess.err = sess.peer.serve()
		close(sess.done)
	}()

	var resp directory.ShardRegisterResponse
	if err := sess.peer.call(ctx, MethodRegister, req, &resp); err != nil {
		// A rejected stream reports its reason through the receive side.
		if code := errutil.Code(err); code == CodeConnectionClosed || code == CodeSendFailed {
			select {
			case <-sess.done:
			case <-ctx.Done():
			}
		}
		sess.Close()
		if s, ok := status.FromError(sess.err); ok && s.Code() == codes.Unauthenticated {
			return nil, nil, oops.Code(CodeUnauthenticated).Wrap(sess.err)
		}
		return nil, nil, err
	}
	return sess, &resp, nil
}

// Session is a registered shard stream.
type Session struct {
	stream grpc.ClientStream
	peer   *peer
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// ReportCharacterError tells the directory the shard lost a character.
func (s *Session) ReportCharacterError(characterID ulid.ULID, reason string) error {
	return s.peer.notify(MethodCharacterError, CharacterErrorNotice{CharacterID: characterID, Reason: reason})
}

// AutomodKick asks the directory to remove a member from a space.
func (s *Session) AutomodKick(characterID, spaceID ulid.ULID) error {
	return s.peer.notify(MethodAutomodKick, AutomodKickNotice{CharacterID: characterID, SpaceID: spaceID})
}

// Done is closed when the stream has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the stream, once Done is closed.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close ends the stream and waits for the read loop to exit.
func (s *Session) Close() {
	_ = s.stream.CloseSend()
	s.cancel()
	<-s.done
}

// clientHandler adapts a Handler to incoming frames.
type clientHandler struct {
	h   Handler
	log *slog.Logger
}

func (c *clientHandler) handleRequest(ctx context.Context, method string, payload json.RawMessage) (any, error) {
	switch method {
	case MethodUpdate:
		var req directory.UpdateRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, oops.Code(CodeDecodeFailed).With("method", method).Wrap(err)
		}
		return struct{}{}, c.h.Update(ctx, &req)
	case MethodCheckCanEnter, MethodCheckCanLeave:
		var req directory.SpaceCheckRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, oops.Code(CodeDecodeFailed).With("method", method).Wrap(err)
		}
		if method == MethodCheckCanEnter {
			return c.h.CheckCanEnter(ctx, req)
		}
		return c.h.CheckCanLeave(ctx, req)
	case MethodStop:
		return struct{}{}, c.h.Stop(ctx)
	default:
		return nil, oops.Code(CodeUnknownMethod).With("method", method).Errorf("unknown method %q", method)
	}
}

func (c *clientHandler) handleNotify(_ context.Context, method string, _ json.RawMessage) {
	c.log.Warn("unexpected notification from directory", "method", method)
}
