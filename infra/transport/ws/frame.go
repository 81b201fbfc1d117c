package ws

import (
	"encoding/json"
	"fmt"
)

// OCPP-J message type identifiers.
const (
	msgCall       = 2
	msgCallResult = 3
	msgCallError  = 4
)

// frame is one decoded OCPP-J array message.
type frame struct {
	kind      int
	id        string
	action    string // CALL only
	payload   json.RawMessage
	errCode   string // CALLERROR only
	errDetail string
}

// decodeFrame parses the raw OCPP-J array. Field count and types follow the
// 1.6J framing: [2,"id","Action",{}], [3,"id",{}], [4,"id","code","desc",{}].
func decodeFrame(data []byte) (frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return frame{}, fmt.Errorf("not a json array: %w", err)
	}
	if len(parts) < 3 {
		return frame{}, fmt.Errorf("frame too short: %d elements", len(parts))
	}
	var f frame
	if err := json.Unmarshal(parts[0], &f.kind); err != nil {
		return frame{}, fmt.Errorf("message type: %w", err)
	}
	if err := json.Unmarshal(parts[1], &f.id); err != nil {
		return frame{}, fmt.Errorf("message id: %w", err)
	}
	switch f.kind {
	case msgCall:
		if len(parts) < 4 {
			return frame{}, fmt.Errorf("call frame too short")
		}
		if err := json.Unmarshal(parts[2], &f.action); err != nil {
			return frame{}, fmt.Errorf("action: %w", err)
		}
		f.payload = parts[3]
	case msgCallResult:
		f.payload = parts[2]
	case msgCallError:
		if len(parts) < 4 {
			return frame{}, fmt.Errorf("callerror frame too short")
		}
		if err := json.Unmarshal(parts[2], &f.errCode); err != nil {
			return frame{}, fmt.Errorf("error code: %w", err)
		}
		if err := json.Unmarshal(parts[3], &f.errDetail); err != nil {
			return frame{}, fmt.Errorf("error description: %w", err)
		}
	default:
		return frame{}, fmt.Errorf("unknown message type %d", f.kind)
	}
	return f, nil
}

func encodeCall(id, action string, payload any) ([]byte, error) {
	return json.Marshal([]any{msgCall, id, action, payload})
}

func encodeCallResult(id string, payload any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal([]any{msgCallResult, id, payload})
}

func encodeCallError(id, code, description string) ([]byte, error) {
	return json.Marshal([]any{msgCallError, id, code, description, map[string]any{}})
}
