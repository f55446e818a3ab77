package sessions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/parley/pkg/models"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return store
}

func makeSession(id string, updated time.Time, msgs ...*models.Message) *models.Session {
	s := &models.Session{ID: id, CreatedAt: updated}
	s.SetMessages(msgs, updated)
	return s
}

// storeFactories runs the same behavioral checks against every Store.
func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"file":   func() Store { return newTestFileStore(t) },
		"memory": func() Store { return NewMemoryStore() },
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory()
			now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

			s := makeSession("s1", now, makeUserMsg("u1", "hello there"))
			if err := store.Save(ctx, UIScope("ws"), s); err != nil {
				t.Fatalf("Save: %v", err)
			}

			got, err := store.Load(ctx, UIScope("ws"), "s1")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got.Title != "hello there" || got.MessageCount != 1 {
				t.Errorf("unexpected session %+v", got)
			}
			if got.Messages[0].Text() != "hello there" {
				t.Errorf("message text = %q", got.Messages[0].Text())
			}

			// Mutating the snapshot must not leak into the store.
			got.Title = "changed"
			got.Messages[0].Parts[0].Text = "changed"
			again, err := store.Load(ctx, UIScope("ws"), "s1")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if again.Title != "hello there" || again.Messages[0].Text() != "hello there" {
				t.Errorf("snapshot mutation leaked into store: %+v", again)
			}
		})
	}
}

func TestStore_ScopesArePartitioned(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory()
			now := time.Now().UTC()

			if err := store.Save(ctx, UIScope("a"), makeSession("same", now)); err != nil {
				t.Fatalf("Save: %v", err)
			}
			for _, scope := range []Scope{UIScope("b"), GatewayScope("a")} {
				if _, err := store.Load(ctx, scope, "same"); !errors.Is(err, ErrNotFound) {
					t.Errorf("Load(%v) error = %v, want ErrNotFound", scope, err)
				}
			}
		})
	}
}

func TestStore_ListSortedByUpdatedAt(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory()
			base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

			for i, id := range []string{"old", "newest", "middle"} {
				offsets := []time.Duration{0, 2 * time.Hour, time.Hour}
				if err := store.Save(ctx, UIScope(""), makeSession(id, base.Add(offsets[i]))); err != nil {
					t.Fatalf("Save: %v", err)
				}
			}

			metas, err := store.List(ctx, UIScope(""))
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			var ids []string
			for _, m := range metas {
				ids = append(ids, m.ID)
			}
			if got := strings.Join(ids, ","); got != "newest,middle,old" {
				t.Errorf("order = %s, want newest,middle,old", got)
			}
		})
	}
}

func TestStore_DeleteIdempotent(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory()

			removed, err := store.Delete(ctx, UIScope(""), "missing")
			if err != nil || removed {
				t.Fatalf("Delete(missing) = %v, %v; want false, nil", removed, err)
			}

			if err := store.Save(ctx, UIScope(""), makeSession("s1", time.Now())); err != nil {
				t.Fatalf("Save: %v", err)
			}
			removed, err = store.Delete(ctx, UIScope(""), "s1")
			if err != nil || !removed {
				t.Fatalf("Delete(s1) = %v, %v; want true, nil", removed, err)
			}
			if _, err := store.Load(ctx, UIScope(""), "s1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Load after delete error = %v, want ErrNotFound", err)
			}
			removed, err = store.Delete(ctx, UIScope(""), "s1")
			if err != nil || removed {
				t.Errorf("second Delete = %v, %v; want false, nil", removed, err)
			}
		})
	}
}

func TestStore_RejectsEmptyID(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			err := factory().Save(context.Background(), UIScope(""), &models.Session{})
			if !errors.Is(err, ErrInvalidID) {
				t.Errorf("Save error = %v, want ErrInvalidID", err)
			}
		})
	}
}

func TestFileStore_ListSkipsCorruptRecords(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)
	scope := UIScope("ws")

	if err := store.Save(ctx, scope, makeSession("good", time.Now())); err != nil {
		t.Fatalf("Save: %v", err)
	}
	dir := filepath.Join(store.Root(), "ws", string(ScopeConversations))
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt record: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "noid.json"), []byte(`{"title":"x"}`), 0o600); err != nil {
		t.Fatalf("write record without id: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600); err != nil {
		t.Fatalf("write stray file: %v", err)
	}

	metas, err := store.List(ctx, scope)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 1 || metas[0].ID != "good" {
		t.Errorf("List = %+v, want only the good record", metas)
	}
}

func TestFileStore_ListMissingDirectory(t *testing.T) {
	metas, err := newTestFileStore(t).List(context.Background(), GatewayScope("never-used"))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 0 {
		t.Errorf("expected empty listing, got %d", len(metas))
	}
}

func TestFileStore_IDsCannotEscapeDirectory(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)

	ids := []string{"../escape", "..", "a/b", `a\b`, "agent:main:telegram:dm:123"}
	for _, id := range ids {
		s := makeSession(id, time.Now())
		err := store.Save(ctx, GatewayScope("ws"), s)
		if id == ".." {
			if !errors.Is(err, ErrInvalidID) {
				t.Errorf("Save(%q) error = %v, want ErrInvalidID", id, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Save(%q): %v", id, err)
		}
		got, err := store.Load(ctx, GatewayScope("ws"), id)
		if err != nil || got.ID != id {
			t.Errorf("Load(%q) = %v, %v", id, got, err)
		}
	}

	err := filepath.Walk(store.Root(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(store.Root(), path)
		if strings.HasPrefix(rel, "..") {
			t.Errorf("file written outside root: %s", path)
		}
		if !info.IsDir() && filepath.Dir(rel) != filepath.Join("ws", string(ScopeGateway)) {
			t.Errorf("record outside partition: %s", rel)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
}

func TestEscapeID(t *testing.T) {
	tests := []struct {
		id      string
		want    string
		wantErr bool
	}{
		{id: "abc-123_x.y", want: "abc-123_x.y"},
		{id: "a:b", want: "a%3Ab"},
		{id: "a/b", want: "a%2Fb"},
		{id: "a_b", want: "a_b"},
		{id: "..", wantErr: true},
		{id: ".", wantErr: true},
		{id: "  ", wantErr: true},
		{id: strings.Repeat("x", 300), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got, err := EscapeID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EscapeID error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("EscapeID(%q) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func TestFileStore_ConcurrentSavesNeverCorrupt(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)
	scope := UIScope("")

	if err := store.Save(ctx, scope, makeSession("hot", time.Now())); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	readErrs := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := store.Load(ctx, scope, "hot"); err != nil {
				select {
				case readErrs <- err:
				default:
				}
				return
			}
		}
	}()

	var writers sync.WaitGroup
	for w := 0; w < 4; w++ {
		writers.Add(1)
		go func(w int) {
			defer writers.Done()
			for i := 0; i < 20; i++ {
				msg := makeUserMsg(fmt.Sprintf("m%d-%d", w, i), strings.Repeat("x", 512))
				if err := store.Save(ctx, scope, makeSession("hot", time.Now(), msg)); err != nil {
					t.Errorf("Save: %v", err)
					return
				}
			}
		}(w)
	}
	writers.Wait()
	close(stop)
	wg.Wait()

	select {
	case err := <-readErrs:
		t.Fatalf("reader observed a broken record: %v", err)
	default:
	}
}
