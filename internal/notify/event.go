package notify

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	proto "google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/offline-sync/internal/types"
)

func eventStruct(ev types.StatusEvent) (*structpb.Struct, error) {
	fields := map[string]any{
		"tenant_id": string(ev.TenantID),
		"user_id":   string(ev.UserID),
		"entry_id":  float64(ev.EntryID),
		"uuid":      ev.UUID,
		"status":    string(ev.Status),
		"at":        ev.At.UTC().Format(time.RFC3339Nano),
	}
	if ev.ConflictID != nil {
		fields["conflict_id"] = float64(*ev.ConflictID)
	}
	if ev.Message != "" {
		fields["message"] = ev.Message
	}
	return structpb.NewStruct(fields)
}

// MarshalEvent encodes ev in protobuf wire format for the bus.
func MarshalEvent(ev types.StatusEvent) ([]byte, error) {
	s, err := eventStruct(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return proto.Marshal(s)
}

// MarshalEventJSON encodes ev as the JSON frame sent to websocket clients.
func MarshalEventJSON(ev types.StatusEvent) ([]byte, error) {
	s, err := eventStruct(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return protojson.Marshal(s)
}

// UnmarshalEvent decodes a bus payload produced by MarshalEvent.
func UnmarshalEvent(data []byte) (types.StatusEvent, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return types.StatusEvent{}, fmt.Errorf("decode event: %w", err)
	}
	return fromStruct(&s)
}

// UnmarshalEventJSON decodes a websocket frame produced by MarshalEventJSON.
func UnmarshalEventJSON(data []byte) (types.StatusEvent, error) {
	var s structpb.Struct
	if err := protojson.Unmarshal(data, &s); err != nil {
		return types.StatusEvent{}, fmt.Errorf("decode event: %w", err)
	}
	return fromStruct(&s)
}

func fromStruct(s *structpb.Struct) (types.StatusEvent, error) {
	f := s.GetFields()
	ev := types.StatusEvent{
		TenantID: types.TenantID(f["tenant_id"].GetStringValue()),
		UserID:   types.UserID(f["user_id"].GetStringValue()),
		EntryID:  int64(f["entry_id"].GetNumberValue()),
		UUID:     f["uuid"].GetStringValue(),
		Status:   types.Status(f["status"].GetStringValue()),
		Message:  f["message"].GetStringValue(),
	}
	if v, ok := f["conflict_id"]; ok {
		id := int64(v.GetNumberValue())
		ev.ConflictID = &id
	}
	if raw := f["at"].GetStringValue(); raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return types.StatusEvent{}, fmt.Errorf("decode event time: %w", err)
		}
		ev.At = at
	}
	if ev.TenantID == "" || ev.EntryID == 0 {
		return types.StatusEvent{}, fmt.Errorf("decode event: incomplete payload")
	}
	return ev, nil
}
