package crestron

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// RawPositionMax is the controller's native position range upper bound.
const RawPositionMax = 65535

// Overall and per-shade command statuses after normalization.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailure = "failure"
)

// ConnectionState is the controller's free-form connection field resolved
// once at ingestion. Downstream code never re-interprets raw strings.
type ConnectionState int

const (
	ConnectionUnknown ConnectionState = iota
	ConnectionConnected
	ConnectionDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Shade is one normalized controller shade record.
type Shade struct {
	ID         string
	Name       string
	Position   *int
	Connection ConnectionState
	RoomID     string
}

// Connected reports whether the shade is reachable. Unknown counts as not
// connected so flaky controllers surface as unavailable instead of stale.
func (s Shade) Connected() bool {
	return s.Connection == ConnectionConnected
}

// NormalizeConnection resolves the controller's connection field, which shows
// up as booleans, numbers or strings depending on firmware.
func NormalizeConnection(raw interface{}) ConnectionState {
	switch v := raw.(type) {
	case nil:
		return ConnectionUnknown
	case bool:
		if v {
			return ConnectionConnected
		}
		return ConnectionDisconnected
	case float64:
		if v != 0 {
			return ConnectionConnected
		}
		return ConnectionDisconnected
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "connected", "online", "true", "1":
			return ConnectionConnected
		case "disconnected", "offline", "false", "0":
			return ConnectionDisconnected
		default:
			return ConnectionUnknown
		}
	default:
		return ConnectionUnknown
	}
}

func parseShade(raw json.RawMessage) (Shade, bool) {
	var item map[string]interface{}
	if err := json.Unmarshal(raw, &item); err != nil {
		return Shade{}, false
	}

	id := normalizeID(item["id"])
	if id == "" {
		return Shade{}, false
	}

	connectionRaw, ok := item["connectionStatus"]
	if !ok {
		connectionRaw = item["connection_status"]
	}
	roomRaw, ok := item["roomId"]
	if !ok {
		roomRaw = item["room_id"]
	}

	return Shade{
		ID:         id,
		Name:       normalizeName(item["name"], id),
		Position:   normalizePosition(item["position"]),
		Connection: NormalizeConnection(connectionRaw),
		RoomID:     normalizeID(roomRaw),
	}, true
}

func normalizeID(raw interface{}) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatInt(int64(v), 10)
	default:
		return ""
	}
}

func normalizeName(raw interface{}, shadeID string) string {
	if name, ok := raw.(string); ok {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			return trimmed
		}
	}
	return "Shade " + shadeID
}

func normalizePosition(raw interface{}) *int {
	var value int
	switch v := raw.(type) {
	case float64:
		value = int(v)
	case string:
		stripped := strings.TrimSpace(v)
		if stripped == "" {
			return nil
		}
		parsed, err := strconv.ParseFloat(stripped, 64)
		if err != nil {
			return nil
		}
		value = int(parsed)
	default:
		return nil
	}

	if value < 0 || value > RawPositionMax {
		return nil
	}
	return &value
}

// ParseCommandResponse normalizes a SetState reply. Firmware variants report
// per-item results as a list or a map, statuses as strings, booleans or
// numbers, and messages under several keys.
func ParseCommandResponse(raw json.RawMessage) (CommandResponse, error) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		return CommandResponse{}, errors.Wrap(ErrMalformedResponse, "SetState response was not an object")
	}

	status := normalizeStatusRaw(body["status"])
	if status == "" {
		return CommandResponse{}, errors.Wrap(ErrMalformedResponse, "SetState response did not include a status")
	}

	response := CommandResponse{Status: status, Results: map[string]CommandResult{}}

	var itemsRaw json.RawMessage
	for _, key := range []string{"results", "items", "shades"} {
		if inner, ok := body[key]; ok && len(inner) > 0 && string(inner) != "null" {
			itemsRaw = inner
			break
		}
	}
	if itemsRaw == nil {
		return response, nil
	}

	var list []map[string]interface{}
	if err := json.Unmarshal(itemsRaw, &list); err == nil {
		for _, entry := range list {
			id := normalizeID(entry["id"])
			if id == "" {
				continue
			}
			response.Results[id] = parseCommandResult(entry, status)
		}
		return response, nil
	}

	var mapped map[string]interface{}
	if err := json.Unmarshal(itemsRaw, &mapped); err == nil {
		for rawID, entry := range mapped {
			id := strings.TrimSpace(rawID)
			if id == "" {
				continue
			}
			if fields, ok := entry.(map[string]interface{}); ok {
				response.Results[id] = parseCommandResult(fields, status)
			} else {
				response.Results[id] = CommandResult{Status: statusOrDefault(normalizeStatus(entry), status)}
			}
		}
	}

	return response, nil
}

func parseCommandResult(entry map[string]interface{}, overall string) CommandResult {
	status := normalizeStatus(entry["status"])
	if status == "" {
		if success, ok := entry["success"].(bool); ok {
			if success {
				status = StatusSuccess
			} else {
				status = StatusFailure
			}
		}
	}
	if status == "" {
		status = normalizeStatus(entry["result"])
	}
	return CommandResult{
		Status:  statusOrDefault(status, overall),
		Message: extractMessage(entry),
	}
}

func statusOrDefault(status, overall string) string {
	if status != "" {
		return status
	}
	if overall == StatusFailure {
		return StatusFailure
	}
	return StatusSuccess
}

func normalizeStatusRaw(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return ""
	}
	return normalizeStatus(value)
}

func normalizeStatus(value interface{}) string {
	switch v := value.(type) {
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case bool:
		if v {
			return StatusSuccess
		}
		return StatusFailure
	case float64:
		if v != 0 {
			return StatusSuccess
		}
		return StatusFailure
	default:
		return ""
	}
}

func extractMessage(entry map[string]interface{}) string {
	for _, key := range []string{"message", "error", "reason", "details"} {
		if value, ok := entry[key].(string); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}
