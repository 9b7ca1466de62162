package bus

import (
	"context"
	"encoding/json"
	"fmt"
)

// Emit marshals the payload and publishes it. Convenience wrapper used by
// subsystems that publish structured payloads.
func Emit(ctx context.Context, b *Bus, topic, partitionKey, actor string, payload any) (int64, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal %s payload: %w", topic, err)
		}
		raw = data
	}
	return b.Publish(ctx, Event{
		Topic:        topic,
		PartitionKey: partitionKey,
		Actor:        actor,
		Payload:      raw,
	})
}
