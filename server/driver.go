// The request driver demultiplexes single and batch envelopes into
// independent calls for the forwarder.
package server

import (
	"bytes"
	"context"
	"encoding/json"

	"golang.org/x/sync/errgroup"

	"github.com/O-tero/rpcproxy/forward"
	"github.com/O-tero/rpcproxy/pkg/models"
)

// Driver turns a raw JSON payload into forwarder calls and reassembles
// the replies.
type Driver struct {
	forwarder *forward.Forwarder
}

// NewDriver wraps a forwarder.
func NewDriver(f *forward.Forwarder) *Driver {
	return &Driver{forwarder: f}
}

// Handle processes one JSON-RPC payload, single or batch. A nil result
// means no reply body is owed (the payload was all notifications).
//
// Per-call failures inside a batch never abort the batch: each element is
// independently a result or an error, and the output order matches the
// input order regardless of completion order.
func (d *Driver) Handle(ctx context.Context, body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return models.MustMarshal(models.ErrorResponse(nil, models.CodeParseError, "parse error"))
	}

	if trimmed[0] == '[' {
		return d.handleBatch(ctx, trimmed)
	}
	return d.handleSingle(ctx, trimmed)
}

func (d *Driver) handleSingle(ctx context.Context, body []byte) json.RawMessage {
	call, errResp := parseCall(body)
	if errResp != nil {
		return errResp
	}
	return d.forwarder.Forward(ctx, call)
}

func (d *Driver) handleBatch(ctx context.Context, body []byte) json.RawMessage {
	var elements []json.RawMessage
	if err := json.Unmarshal(body, &elements); err != nil {
		return models.MustMarshal(models.ErrorResponse(nil, models.CodeParseError, "parse error"))
	}
	if len(elements) == 0 {
		return models.MustMarshal(models.ErrorResponse(nil, models.CodeInvalidRequest, "empty batch"))
	}

	replies := make([]json.RawMessage, len(elements))
	var g errgroup.Group
	for i, raw := range elements {
		i, raw := i, raw
		g.Go(func() error {
			call, errResp := parseCall(raw)
			if errResp != nil {
				replies[i] = errResp
				return nil
			}
			replies[i] = d.forwarder.Forward(ctx, call)
			return nil
		})
	}
	_ = g.Wait()

	// Notifications leave nil holes; the reply array contains only the
	// calls that owed one, in input order.
	out := make([]json.RawMessage, 0, len(replies))
	for _, r := range replies {
		if r != nil {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return models.MustMarshal(out)
}

// parseCall decodes one call object. On failure it returns the error
// reply to emit in the call's place: parse error for broken JSON,
// invalid request for well-formed JSON that is not a call object.
func parseCall(raw []byte) (*models.Request, json.RawMessage) {
	if !json.Valid(raw) {
		return nil, models.MustMarshal(models.ErrorResponse(nil, models.CodeParseError, "parse error"))
	}
	var call models.Request
	if err := json.Unmarshal(raw, &call); err != nil {
		return nil, models.MustMarshal(models.ErrorResponse(nil, models.CodeInvalidRequest, "invalid request"))
	}
	if call.Method == "" {
		return nil, models.MustMarshal(models.ErrorResponse(call.ID, models.CodeInvalidRequest, "invalid request"))
	}
	return &call, nil
}
