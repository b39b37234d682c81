package mcp

import (
	"encoding/json"
	"fmt"
)

// DecodeMessage parses one JSON-RPC envelope. It fails with ErrMalformedMessage when the bytes
// are not JSON, the version is not 2.0, or the fields match none of request, response or
// notification.
func DecodeMessage(data []byte) (JSONRPCMessage, error) {
	var msg JSONRPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return JSONRPCMessage{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if msg.JSONRPC != JSONRPCVersion {
		return JSONRPCMessage{}, fmt.Errorf("%w: unsupported jsonrpc version %q", ErrMalformedMessage, msg.JSONRPC)
	}
	if msg.Kind() == KindInvalid {
		return JSONRPCMessage{}, fmt.Errorf("%w: not a request, response or notification", ErrMalformedMessage)
	}
	return msg, nil
}

// EncodeMessage serializes an envelope for the wire.
func EncodeMessage(msg JSONRPCMessage) ([]byte, error) {
	if msg.JSONRPC == "" {
		msg.JSONRPC = JSONRPCVersion
	}
	bs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return bs, nil
}

func newRequest(id RequestID, method string, params any) (JSONRPCMessage, error) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
	}
	if params == nil {
		return msg, nil
	}
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	msg.Params = paramsBs
	return msg, nil
}

func newNotification(method string, params any) (JSONRPCMessage, error) {
	return newRequest(RequestID{}, method, params)
}

// newResult builds a success response. A nil result is sent as an empty object, since a
// response must carry either result or error.
func newResult(id RequestID, result any) (JSONRPCMessage, error) {
	resBs := json.RawMessage("{}")
	if result != nil {
		bs, err := json.Marshal(result)
		if err != nil {
			return JSONRPCMessage{}, fmt.Errorf("failed to marshal result: %w", err)
		}
		resBs = bs
	}
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}, nil
}

func newErrorResponse(id RequestID, code ErrorCode, message string) JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
	}
}

// decodeResult unmarshals a response into T, turning a peer error into a returned JSONRPCError.
func decodeResult[T any](res JSONRPCMessage) (T, error) {
	var result T
	if res.Error != nil {
		return result, fmt.Errorf("result error: %w", *res.Error)
	}
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return result, nil
}
