package ws

import (
	"bytes"
	"encoding/json"

	"github.com/payflow/batchwatch/pkg/schema"
)

// BatchUpdate is the partial batch record carried by a batch_update event.
// ID is empty when the payload does not name its batch.
type BatchUpdate struct {
	ID     schema.BatchID
	Status schema.BatchStatus
}

// NormalizeItem finds the item record in an item_update payload. The record
// may sit under "item", under "data.item", or be the payload itself, and the
// payload may be string-encoded once. Records without an id are rejected.
func NormalizeItem(raw json.RawMessage) (schema.Item, bool) {
	for _, candidate := range candidates(raw, "item") {
		var it schema.Item
		if err := json.Unmarshal(candidate, &it); err != nil {
			continue
		}
		if it.ID != "" {
			return it, true
		}
	}
	return schema.Item{}, false
}

// NormalizeBatchUpdate finds the batch status in a batch_update payload,
// using the same lookup rules as NormalizeItem with "batch" as the key.
func NormalizeBatchUpdate(raw json.RawMessage) (BatchUpdate, bool) {
	for _, candidate := range candidates(raw, "batch") {
		var rec struct {
			ID     schema.BatchID     `json:"id"`
			Status schema.BatchStatus `json:"status"`
		}
		if err := json.Unmarshal(candidate, &rec); err != nil {
			continue
		}
		if rec.Status != "" {
			return BatchUpdate{ID: rec.ID, Status: rec.Status}, true
		}
	}
	return BatchUpdate{}, false
}

// candidates lists the places a record may be found, most specific first.
func candidates(raw json.RawMessage, key string) []json.RawMessage {
	payload := unwrapString(raw)
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return nil
	}

	var out []json.RawMessage
	if v, ok := obj[key]; ok && isObject(v) {
		out = append(out, v)
	}
	if data, ok := obj["data"]; ok {
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(data, &nested); err == nil {
			if v, ok := nested[key]; ok && isObject(v) {
				out = append(out, v)
			}
		}
	}
	return append(out, payload)
}

func isObject(raw json.RawMessage) bool {
	return bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{"))
}
