package item

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/owui-pipes/responses/internal/marker"
)

// sideStoreVersion is the schema version of the snapshot blob.
const sideStoreVersion = 1

// Snapshot/RestoreSnapshot convert between a Store's view of one chat and
// the versioned JSON blob some hosts attach to the conversation's own
// storage record. The blob is namespaced so it can share the record with
// unrelated extensions.

// MessageMeta carries the host-side message attributes the snapshot records
// alongside the item index. The store itself never learns roles; the caller
// supplies them.
type MessageMeta struct {
	Role string
	Done bool
}

type sideStoreBlob struct {
	Version       int                          `json:"__v"`
	Items         map[string]sideStoreItem     `json:"items"`
	MessagesIndex map[string]sideStoreMsgIndex `json:"messages_index"`
}

type sideStoreItem struct {
	Type      string          `json:"type"`
	Model     string          `json:"model"`
	CreatedAt int64           `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
	MessageID string          `json:"message_id"`
}

type sideStoreMsgIndex struct {
	Role    string   `json:"role"`
	Done    bool     `json:"done"`
	ItemIDs []string `json:"item_ids"`
}

// Snapshot serializes a chat's items into the namespaced side-store schema.
func Snapshot(ctx context.Context, s Store, chatID string, meta map[string]MessageMeta) ([]byte, error) {
	items, err := s.GetByChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load chat items: %w", err)
	}

	blob := sideStoreBlob{
		Version:       sideStoreVersion,
		Items:         make(map[string]sideStoreItem, len(items)),
		MessagesIndex: make(map[string]sideStoreMsgIndex),
	}
	for _, it := range items {
		blob.Items[it.ID] = sideStoreItem{
			Type:      it.Type,
			Model:     it.Model,
			CreatedAt: it.CreatedAt.Unix(),
			Payload:   it.Payload,
			MessageID: it.MessageID,
		}
		idx := blob.MessagesIndex[it.MessageID]
		if m, ok := meta[it.MessageID]; ok {
			idx.Role = m.Role
			idx.Done = m.Done
		}
		idx.ItemIDs = append(idx.ItemIDs, it.ID)
		blob.MessagesIndex[it.MessageID] = idx
	}

	return json.Marshal(map[string]sideStoreBlob{marker.Namespace: blob})
}

// RestoreSnapshot loads a side-store blob into the store. Items already
// present keep their original write (the store is append-only, ids are
// globally unique, and items are immutable, so re-writing is harmless but
// skipped for clarity).
func RestoreSnapshot(ctx context.Context, s Store, chatID string, data []byte) error {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return fmt.Errorf("parse side-store record: %w", err)
	}
	raw, ok := outer[marker.Namespace]
	if !ok {
		return nil
	}
	var blob sideStoreBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return fmt.Errorf("parse %s side-store: %w", marker.Namespace, err)
	}
	if blob.Version > sideStoreVersion {
		return fmt.Errorf("side-store version %d is newer than supported %d", blob.Version, sideStoreVersion)
	}

	// Replay in id order. ULIDs sort by allocation, so this restores the
	// original emission order across messages and keeps seq allocation
	// stable no matter how the index map iterates.
	type replayEntry struct {
		messageID string
		itemID    string
	}
	var entries []replayEntry
	for messageID, idx := range blob.MessagesIndex {
		for _, id := range idx.ItemIDs {
			entries = append(entries, replayEntry{messageID: messageID, itemID: id})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].itemID < entries[j].itemID })

	for _, e := range entries {
		entry, ok := blob.Items[e.itemID]
		if !ok {
			continue
		}
		if _, err := s.Get(ctx, e.itemID); err == nil {
			continue
		}
		it := &Item{
			ID:        e.itemID,
			ChatID:    chatID,
			MessageID: e.messageID,
			Type:      entry.Type,
			Model:     entry.Model,
			Payload:   entry.Payload,
			CreatedAt: time.Unix(entry.CreatedAt, 0).UTC(),
		}
		if _, err := s.Put(ctx, it); err != nil {
			return fmt.Errorf("restore item %s: %w", e.itemID, err)
		}
	}
	return nil
}
