// Package telemetry exports pipeline statistics: periodically to an MQTT
// broker, and on demand over HTTP and websocket.
package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-capture-display/internal/pipeline"
)

// Source provides the statistics to export.
type Source interface {
	Stats() pipeline.Stats
}

// SourceFunc adapts a function to Source.
type SourceFunc func() pipeline.Stats

func (f SourceFunc) Stats() pipeline.Stats { return f() }

// Encoding selects the payload format.
type Encoding string

const (
	EncodingJSON    Encoding = "json"
	EncodingMsgpack Encoding = "msgpack"
)

// Snapshot is one exported sample.
type Snapshot struct {
	SessionID string         `json:"session_id" msgpack:"session_id"`
	Timestamp time.Time      `json:"timestamp" msgpack:"timestamp"`
	Stats     pipeline.Stats `json:"stats" msgpack:"stats"`
}

// Take samples src now.
func Take(sessionID string, src Source) Snapshot {
	return Snapshot{
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Stats:     src.Stats(),
	}
}

// Encode serializes s with e.
func (e Encoding) Encode(s Snapshot) ([]byte, error) {
	switch e {
	case EncodingJSON, "":
		return json.Marshal(s)
	case EncodingMsgpack:
		return msgpack.Marshal(s)
	default:
		return nil, fmt.Errorf("telemetry: unknown encoding %q", e)
	}
}

// ParseEncoding validates a configured encoding name.
func ParseEncoding(s string) (Encoding, error) {
	switch e := Encoding(s); e {
	case EncodingJSON, EncodingMsgpack:
		return e, nil
	case "":
		return EncodingJSON, nil
	default:
		return "", fmt.Errorf("telemetry: unknown encoding %q (want json or msgpack)", s)
	}
}
