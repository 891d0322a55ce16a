package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind tags the shape of an inbound upstream message.
type Kind int

const (
	KindUnknown Kind = iota
	KindEvent
	KindResponse
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Inbound is one decoded upstream text frame. Exactly one of the
// shape-specific fields is meaningful, selected by Kind.
type Inbound struct {
	Kind Kind

	// KindEvent
	Event string
	Body  json.RawMessage // whole message, for event-specific payload decoding

	// KindResponse / KindError
	ID     int64
	Result json.RawMessage
	Error  json.RawMessage
}

// DecodeInbound inspects which of the known keys are present and returns the
// matching shape. Anything that is not a JSON object, or is an object without
// a recognised key set, comes back as KindUnknown; that is not an error.
func DecodeInbound(raw []byte) Inbound {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Inbound{Kind: KindUnknown}
	}

	if ev, ok := fields["event"]; ok {
		var name string
		if err := json.Unmarshal(ev, &name); err == nil && name != "" {
			return Inbound{Kind: KindEvent, Event: name, Body: json.RawMessage(raw)}
		}
		return Inbound{Kind: KindUnknown}
	}

	idRaw, hasID := fields["id"]
	if !hasID {
		return Inbound{Kind: KindUnknown}
	}
	id, ok := parseID(idRaw)
	if !ok {
		return Inbound{Kind: KindUnknown}
	}
	if res, ok := fields["result"]; ok {
		return Inbound{Kind: KindResponse, ID: id, Result: res}
	}
	if e, ok := fields["error"]; ok {
		return Inbound{Kind: KindError, ID: id, Error: e}
	}
	return Inbound{Kind: KindUnknown}
}

// DecodeEvent unmarshals the event payload into v.
func (in Inbound) DecodeEvent(v any) error {
	if in.Kind != KindEvent {
		return fmt.Errorf("not an event: %s", in.Kind)
	}
	return json.Unmarshal(in.Body, v)
}

// IsNullResult reports a response whose result is JSON null.
func (in Inbound) IsNullResult() bool {
	return bytes.Equal(bytes.TrimSpace(in.Result), []byte("null"))
}

func parseID(raw json.RawMessage) (int64, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return 0, false
	}
	id, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return id, true
}

// ── Commands ─────────────────────────────────────────────────────────────────

var ErrNotACommand = errors.New("not a json-rpc command")

// Command is a JSON-RPC request sent towards the control server.
type Command struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// HasID reports whether the command expects a correlated response.
func (c Command) HasID() bool { return c.ID != nil }

// DecodeCommand parses a browser-originated request. Non-integer ids are
// treated as absent so the command is still forwarded, just not correlated.
func DecodeCommand(raw []byte) (Command, error) {
	var wire struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if wire.Method == "" {
		return Command{}, ErrNotACommand
	}
	cmd := Command{JSONRPC: wire.JSONRPC, Method: wire.Method, Params: wire.Params}
	if len(wire.ID) > 0 {
		if id, ok := parseID(wire.ID); ok {
			cmd.ID = &id
		}
	}
	return cmd, nil
}

// NamedParams returns the params object, or nil when params are absent or
// positional.
func (c Command) NamedParams() map[string]json.RawMessage {
	if len(c.Params) == 0 {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(c.Params, &m); err != nil {
		return nil
	}
	return m
}

// NewRequest encodes a request frame.
func NewRequest(id int64, method string, params any) ([]byte, error) {
	cmd := Command{JSONRPC: JSONRPCVersion, ID: &id, Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		cmd.Params = b
	}
	return json.Marshal(cmd)
}

// RelayStatus builds the relay_status notification pushed to browsers.
func RelayStatus(connected bool, reason string) []byte {
	msg := map[string]any{
		"event":     EventRelayStatus,
		"connected": connected,
	}
	if reason != "" {
		msg["reason"] = reason
	}
	b, _ := json.Marshal(msg)
	return b
}
