// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package shardrpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/holodir/pkg/errutil"
)

// frameStream is the part of a gRPC stream the peer needs. Both
// grpc.ServerStream and grpc.ClientStream satisfy it.
type frameStream interface {
	Context() context.Context
	SendMsg(m any) error
	RecvMsg(m any) error
}

// frameHandler serves frames initiated by the remote side.
type frameHandler interface {
	handleRequest(ctx context.Context, method string, payload json.RawMessage) (any, error)
	handleNotify(ctx context.Context, method string, payload json.RawMessage)
}

// peer multiplexes request/response pairs and notifications over one
// stream. Sends are serialized; incoming requests are answered concurrently.
type peer struct {
	stream  frameStream
	handler frameHandler
	log     *slog.Logger

	sendMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *Frame
	closed  bool
	done    chan struct{}
}

func newPeer(stream frameStream, handler frameHandler, log *slog.Logger) *peer {
	return &peer{
		stream:  stream,
		handler: handler,
		log:     log,
		pending: make(map[uint64]chan *Frame),
		done:    make(chan struct{}),
	}
}

func (p *peer) send(f *Frame) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.stream.SendMsg(f)
}

// call sends a request and waits for its response, decoding the payload into
// resp when resp is non-nil.
func (p *peer) call(ctx context.Context, method string, req, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return oops.Code(CodeEncodeFailed).With("method", method).Wrap(err)
	}

	ch := make(chan *Frame, 1)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return oops.Code(CodeConnectionClosed).With("method", method).Errorf("stream closed")
	}
	p.nextID++
	id := p.nextID
	p.pending[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if err := p.send(&Frame{ID: id, Kind: KindRequest, Method: method, Payload: payload}); err != nil {
		return oops.Code(CodeSendFailed).With("method", method).Wrap(err)
	}

	select {
	case f := <-ch:
		if f.Error != "" {
			return oops.Code(CodeRemoteError).
				With("method", method).
				With("remote_code", f.Code).
				Errorf("%s", f.Error)
		}
		if resp != nil && len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, resp); err != nil {
				return oops.Code(CodeDecodeFailed).With("method", method).Wrap(err)
			}
		}
		return nil
	case <-p.done:
		return oops.Code(CodeConnectionClosed).With("method", method).Errorf("stream closed")
	case <-ctx.Done():
		return oops.Code(CodeCallTimeout).With("method", method).Wrap(ctx.Err())
	}
}

// notify sends a one-way message.
func (p *peer) notify(method string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return oops.Code(CodeEncodeFailed).With("method", method).Wrap(err)
	}
	if err := p.send(&Frame{Kind: KindNotify, Method: method, Payload: payload}); err != nil {
		return oops.Code(CodeSendFailed).With("method", method).Wrap(err)
	}
	return nil
}

// serve reads frames until the stream ends. A clean end of stream returns nil.
func (p *peer) serve() error {
	ctx := p.stream.Context()
	for {
		var f Frame
		if err := p.stream.RecvMsg(&f); err != nil {
			p.close()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch f.Kind {
		case KindResponse:
			p.mu.Lock()
			ch := p.pending[f.ID]
			p.mu.Unlock()
			if ch == nil {
				p.log.Debug("dropping response without caller", "frame_id", f.ID)
				continue
			}
			select {
			case ch <- &f:
			default:
			}
		case KindRequest:
			go p.answer(ctx, &f)
		case KindNotify:
			p.handler.handleNotify(ctx, f.Method, f.Payload)
		default:
			p.log.Warn("dropping frame of unknown kind", "kind", string(f.Kind), "method", f.Method)
		}
	}
}

func (p *peer) answer(ctx context.Context, req *Frame) {
	resp := &Frame{ID: req.ID, Kind: KindResponse, Method: req.Method}
	result, err := p.handler.handleRequest(ctx, req.Method, req.Payload)
	if err == nil && result != nil {
		resp.Payload, err = json.Marshal(result)
	}
	if err != nil {
		resp.Payload = nil
		resp.Error = err.Error()
		resp.Code = errutil.Code(err)
	}
	if err := p.send(resp); err != nil {
		errutil.LogError(p.log, "send response failed", err, "method", req.Method)
	}
}

func (p *peer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
}
