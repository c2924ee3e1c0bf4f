package supervisor

import (
	"encoding/json"
	"strings"
)

// Record types synthesized by the supervisor. Agent records keep the type
// they were emitted with.
const (
	RecordRaw    = "raw"
	RecordInfo   = "info"
	RecordError  = "error"
	RecordResult = "result"
	RecordSystem = "system"
)

// Record is one structured output event of a task.
type Record struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// IsResult reports whether the record is a terminal result.
func (r Record) IsResult() bool {
	return r.Type == RecordResult
}

type recordHeader struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
}

// ParseRecord decodes a JSON object line. ok is false for anything that
// is not a JSON object, which callers treat as raw text.
func ParseRecord(line string) (Record, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return Record{}, false
	}
	var h recordHeader
	if err := json.Unmarshal([]byte(trimmed), &h); err != nil {
		return Record{}, false
	}
	if h.Type == "" {
		h.Type = "unknown"
	}
	return Record{
		Type:      h.Type,
		Subtype:   h.Subtype,
		SessionID: h.SessionID,
		Data:      json.RawMessage(trimmed),
	}, true
}

func newRecord(typ, subtype string, body map[string]any) Record {
	body["type"] = typ
	if subtype != "" {
		body["subtype"] = subtype
	}
	data, _ := json.Marshal(body)
	return Record{Type: typ, Subtype: subtype, Data: data}
}

func rawRecord(line string) Record {
	return newRecord(RecordRaw, "", map[string]any{"text": line})
}

func infoRecord(message string) Record {
	return newRecord(RecordInfo, "", map[string]any{"message": message})
}

func errorRecord(message string) Record {
	return newRecord(RecordError, "", map[string]any{"message": message})
}

// syntheticResult stands in for a result record the agent never wrote.
func syntheticResult(success bool, conversationID string) Record {
	subtype, summary := "success", "Task completed"
	if !success {
		subtype, summary = "error", "Task ended without a result"
	}
	body := map[string]any{
		"is_error":  !success,
		"result":    summary,
		"synthetic": true,
	}
	if conversationID != "" {
		body["session_id"] = conversationID
	}
	rec := newRecord(RecordResult, subtype, body)
	rec.SessionID = conversationID
	return rec
}
