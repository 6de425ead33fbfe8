package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/anomaly-armada/internal/domain/events"
)

// Envelope field names.
const (
	fieldType      = "type"
	fieldKey       = "key"
	fieldTimestamp = "timestamp"
	fieldPayload   = "payload"
)

// encodeEvent renders evt as a protobuf Struct. The payload is normalized
// through JSON first so times, durations and typed slices become plain
// values structpb accepts.
func encodeEvent(evt events.DomainEvent) ([]byte, error) {
	raw, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var plain map[string]any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, fmt.Errorf("normalize payload: %w", err)
	}
	payload, err := structpb.NewStruct(plain)
	if err != nil {
		return nil, fmt.Errorf("convert payload: %w", err)
	}

	envelope := &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldType:      structpb.NewStringValue(string(evt.Type)),
		fieldKey:       structpb.NewStringValue(evt.Key),
		fieldTimestamp: structpb.NewStringValue(evt.Timestamp.UTC().Format(time.RFC3339Nano)),
		fieldPayload:   structpb.NewStructValue(payload),
	}}
	return proto.Marshal(envelope)
}

func decodeEvent(b []byte) (events.DomainEvent, error) {
	var envelope structpb.Struct
	if err := proto.Unmarshal(b, &envelope); err != nil {
		return events.DomainEvent{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	fields := envelope.GetFields()

	typ := fields[fieldType].GetStringValue()
	if typ == "" {
		return events.DomainEvent{}, errors.New("envelope has no event type")
	}

	var ts time.Time
	if raw := fields[fieldTimestamp].GetStringValue(); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return events.DomainEvent{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed
	}

	return events.NewDomainEvent(
		events.EventType(typ),
		fields[fieldKey].GetStringValue(),
		ts,
		fields[fieldPayload].GetStructValue().AsMap(),
	), nil
}
