package host

import (
	"context"
	"path/filepath"
	"testing"
)

func testStores(t *testing.T) map[string]MessageStore {
	t.Helper()
	sqlite, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "chats.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]MessageStore{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestMessageStoreRoundTrip(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			msgs := []Message{
				{ID: "m1", Role: "user", Content: "hello"},
				{ID: "m2", Role: "assistant", Content: "hi there"},
				{ID: "m3", Role: "user", Content: "follow up"},
			}
			for _, m := range msgs {
				if err := store.Append(ctx, "chat1", m); err != nil {
					t.Fatal(err)
				}
			}
			if err := store.Append(ctx, "chat2", Message{ID: "x1", Role: "user", Content: "other"}); err != nil {
				t.Fatal(err)
			}

			got, err := store.Messages(ctx, "chat1")
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 3 {
				t.Fatalf("messages = %d, want 3", len(got))
			}
			for i, m := range got {
				if m.ID != msgs[i].ID || m.Content != msgs[i].Content {
					t.Errorf("message %d = %+v, want %+v", i, m, msgs[i])
				}
			}

			if err := store.UpdateContent(ctx, "chat1", "m2", "edited"); err != nil {
				t.Fatal(err)
			}
			got, err = store.Messages(ctx, "chat1")
			if err != nil {
				t.Fatal(err)
			}
			if got[1].Content != "edited" {
				t.Errorf("updated content = %q", got[1].Content)
			}

			if err := store.UpdateContent(ctx, "chat1", "missing", "x"); err == nil {
				t.Error("update of missing message should fail")
			}
		})
	}
}

func TestSQLiteChatListing(t *testing.T) {
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "chats.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	store.Append(ctx, "a", Message{ID: "1", Role: "user", Content: "x"})
	store.Append(ctx, "a", Message{ID: "2", Role: "assistant", Content: "y"})
	store.Append(ctx, "b", Message{ID: "1", Role: "user", Content: "z"})
	if err := store.SetTitle(ctx, "a", "First chat"); err != nil {
		t.Fatal(err)
	}

	chats, err := store.Chats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 {
		t.Fatalf("chats = %d, want 2", len(chats))
	}
	byID := map[string]ChatInfo{}
	for _, c := range chats {
		byID[c.ID] = c
	}
	if byID["a"].Messages != 2 || byID["a"].Title != "First chat" {
		t.Errorf("chat a = %+v", byID["a"])
	}
	if byID["b"].Messages != 1 {
		t.Errorf("chat b = %+v", byID["b"])
	}
}

func TestEventConstructors(t *testing.T) {
	status := StatusEvent("searching", false)
	if status.Type != "status" || status.Data["description"] != "searching" || status.Data["done"] != false {
		t.Errorf("status = %+v", status)
	}

	source := SourceEvent("", "https://example.com")
	src := source.Data["source"].(map[string]any)
	if src["name"] != "https://example.com" {
		t.Errorf("untitled source should fall back to url, got %+v", src)
	}

	completion := CompletionEvent("final text", map[string]any{"input_tokens": 5}, "")
	if completion.Type != "chat:completion" || completion.Data["done"] != true {
		t.Errorf("completion = %+v", completion)
	}
	if _, present := completion.Data["error"]; present {
		t.Error("successful completion carries error")
	}

	failed := CompletionEvent("partial", nil, "provider unreachable")
	errData := failed.Data["error"].(map[string]any)
	if errData["detail"] != "provider unreachable" {
		t.Errorf("error detail = %+v", errData)
	}
}
