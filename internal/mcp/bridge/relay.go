// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/mcpreload/internal/mcp/child"
	"github.com/tombee/mcpreload/internal/metrics"
)

const (
	methodInitialized = "notifications/initialized"
	methodCancelled   = "notifications/cancelled"
)

// listChangedNotifications are sent upstream after every completed restart.
var listChangedNotifications = []string{
	mcp.MethodNotificationToolsListChanged,
	mcp.MethodNotificationPromptsListChanged,
	mcp.MethodNotificationResourcesListChanged,
}

// HandleUpstreamNotification relays a client notification to the current
// child. notifications/initialized is consumed, since every child handshake
// sends its own, and cancellations are mapped to the child's request id.
func (b *Bridge) HandleUpstreamNotification(n mcp.JSONRPCNotification) {
	switch n.Method {
	case methodInitialized:
		b.initialized.Store(true)
		b.logger.Debug("upstream session initialized")
		return
	case methodCancelled:
		b.cancelForwarded(b.ctx, n)
		return
	}

	gen := b.children.Current()
	if gen == nil || gen.Endpoint.Status() != child.StatusConnected {
		metrics.RecordDroppedNotification("no_child")
		b.logger.Debug("dropping notification, no child connected", "method", n.Method)
		return
	}

	if err := gen.Endpoint.Notify(b.ctx, n); err != nil {
		b.logger.Warn("failed to relay notification to child", "method", n.Method, "error", err)
		return
	}
	metrics.RecordNotification(metrics.DirectionToChild, n.Method)
}

// HandleChildNotification relays a child notification upstream.
// Notifications from a superseded generation are dropped. The rest are
// queued and relayed in arrival order. A tools list_changed notification
// holds the queue until the capability snapshot has been refreshed, so a
// client that re-lists straight away sees the new tools.
func (b *Bridge) HandleChildNotification(ep *child.Endpoint, n mcp.JSONRPCNotification) {
	if b.stale(ep) {
		metrics.RecordDroppedNotification("stale_generation")
		b.logger.Debug("dropping notification from old child",
			"method", n.Method, "generation", ep.Generation())
		return
	}
	if b.upstream.Load() == nil {
		metrics.RecordDroppedNotification("no_upstream")
		return
	}

	if n.Method == methodCancelled {
		n = b.cancelRelayed(ep, n)
	}
	b.enqueue(n)
}

// HandleChildRequest relays a child request (sampling, elicitation, roots)
// to the upstream client with a proxy-owned id and returns the client's
// answer under the child's id.
func (b *Bridge) HandleChildRequest(ctx context.Context, ep *child.Endpoint, req transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	if b.stale(ep) {
		return transport.NewJSONRPCErrorResponse(req.ID, mcp.INTERNAL_ERROR,
			"request from a superseded child server", nil), nil
	}

	tr := b.upstream.Load()
	if tr == nil {
		return transport.NewJSONRPCErrorResponse(req.ID, mcp.INTERNAL_ERROR,
			"upstream client is not connected", nil), nil
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(b.ctx, cancel)
	defer stop()

	p := &pendingRequest{
		peerID:   mcp.NewRequestId(fmt.Sprintf("mcpreload-up-%d", b.nextUpstreamID.Add(1))),
		endpoint: ep,
		cancel:   cancel,
	}
	key := relayKey(ep, req.ID)
	b.track(b.relayed, key, p)
	defer b.untrack(b.relayed, key, p)

	b.logger.Debug("relaying child request upstream", "method", req.Method, "generation", ep.Generation())
	resp, err := tr.SendRequest(reqCtx, transport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      p.peerID,
		Method:  req.Method,
		Params:  req.Params,
	})
	if err != nil {
		if p.cancelled.Load() {
			return nil, nil
		}
		return transport.NewJSONRPCErrorResponse(req.ID, mcp.INTERNAL_ERROR,
			fmt.Sprintf("upstream request failed: %v", err), nil), nil
	}

	return &transport.JSONRPCResponse{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      req.ID,
		Result:  resp.Result,
		Error:   resp.Error,
	}, nil
}

// cancelRelayed rewrites a child cancellation of a relayed request to the id
// the upstream client knows, and stops waiting for the answer.
func (b *Bridge) cancelRelayed(ep *child.Endpoint, n mcp.JSONRPCNotification) mcp.JSONRPCNotification {
	raw, ok := n.Params.AdditionalFields["requestId"]
	if !ok || raw == nil {
		return n
	}

	p := b.lookup(b.relayed, relayKey(ep, mcp.NewRequestId(raw)))
	if p == nil {
		return n
	}
	p.cancelled.Store(true)
	p.cancel()

	fields := map[string]any{"requestId": p.peerID.Value()}
	if reason, ok := n.Params.AdditionalFields["reason"]; ok {
		fields["reason"] = reason
	}
	return newNotification(methodCancelled, fields)
}

// NotifyListChanged tells the upstream client to re-list tools, prompts and
// resources. It does nothing until the client has initialized.
func (b *Bridge) NotifyListChanged(ctx context.Context) error {
	if !b.initialized.Load() {
		b.logger.Debug("upstream session not initialized, skipping list_changed")
		return nil
	}

	var errs []error
	for _, method := range listChangedNotifications {
		if err := b.sendUpstream(ctx, newNotification(method, nil)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", method, err))
		}
	}
	return errors.Join(errs...)
}

// enqueue appends n to the outbox. It never blocks: the caller is the
// child's read loop, which must keep running for a refresh to complete.
func (b *Bridge) enqueue(n mcp.JSONRPCNotification) {
	b.outMu.Lock()
	b.outbox = append(b.outbox, n)
	b.outMu.Unlock()

	select {
	case b.outWake <- struct{}{}:
	default:
	}
}

// nextOutbound pops the oldest queued notification, waiting for one if the
// outbox is empty. Adjacent tools list_changed notifications fold into one.
func (b *Bridge) nextOutbound() (mcp.JSONRPCNotification, bool) {
	for {
		b.outMu.Lock()
		if len(b.outbox) > 0 {
			n := b.outbox[0]
			b.outbox = b.outbox[1:]
			if n.Method == mcp.MethodNotificationToolsListChanged {
				for len(b.outbox) > 0 && b.outbox[0].Method == mcp.MethodNotificationToolsListChanged {
					b.outbox = b.outbox[1:]
				}
			}
			b.outMu.Unlock()
			return n, true
		}
		b.outMu.Unlock()

		select {
		case <-b.outWake:
		case <-b.ctx.Done():
			return mcp.JSONRPCNotification{}, false
		}
	}
}

// relayOutbox sends queued child notifications upstream one at a time until
// the bridge stops serving.
func (b *Bridge) relayOutbox() {
	for {
		n, ok := b.nextOutbound()
		if !ok {
			return
		}
		if n.Method == mcp.MethodNotificationToolsListChanged {
			b.refreshTools()
		}
		if err := b.sendUpstream(b.ctx, n); err != nil {
			b.logger.Warn("failed to relay notification upstream", "method", n.Method, "error", err)
		}
	}
}

func (b *Bridge) refreshTools() {
	ctx, cancel := context.WithTimeout(b.ctx, b.refreshTimeout)
	defer cancel()

	gen, err := b.children.Refresh(ctx)
	if err != nil {
		b.logger.Warn("failed to refresh tool list", "error", err)
		return
	}
	b.logger.Info("tool list refreshed", "generation", gen.ID, "tool_count", len(gen.Snapshot.Tools))
}

func (b *Bridge) sendUpstream(ctx context.Context, n mcp.JSONRPCNotification) error {
	tr := b.upstream.Load()
	if tr == nil {
		metrics.RecordDroppedNotification("no_upstream")
		return nil
	}
	if err := tr.SendNotification(ctx, n); err != nil {
		return err
	}
	metrics.RecordNotification(metrics.DirectionToUpstream, n.Method)
	return nil
}

// stale reports whether ep has been replaced or closed. A generation still
// in its handshake is not stale.
func (b *Bridge) stale(ep *child.Endpoint) bool {
	if ep.Status() == child.StatusDisconnected {
		return true
	}
	cur := b.children.Current()
	return cur != nil && cur.ID > ep.Generation()
}

func relayKey(ep *child.Endpoint, id mcp.RequestId) string {
	return fmt.Sprintf("%d/%s", ep.Generation(), id.String())
}

func newNotification(method string, fields map[string]any) mcp.JSONRPCNotification {
	return mcp.JSONRPCNotification{
		JSONRPC: mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{
			Method: method,
			Params: mcp.NotificationParams{AdditionalFields: fields},
		},
	}
}
