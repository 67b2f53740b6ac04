package state

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
)

// --- Unit Tests ---

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key     string
		wantErr bool
	}{
		{"components.svc-a", false},
		{"subscriptions.svc_b", false},
		{"a", false},
		{"", true},
		{".leading", true},
		{"trailing.", true},
		{"double..dot", true},
		{"has space", true},
		{"wild.*", true},
		{"wild.>", true},
	}
	for _, tt := range tests {
		if err := ValidateKey(tt.key); (err != nil) != tt.wantErr {
			t.Errorf("ValidateKey(%q) = %v, wantErr %v", tt.key, err, tt.wantErr)
		}
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern, key string
		want         bool
	}{
		{"*", "anything", true},
		{"components.*", "components.svc-a", true},
		{"components.*", "subscriptions.svc-a", false},
		{"components.svc-a", "components.svc-a", true},
		{"components.svc-a", "components.svc-ab", false},
	}
	for _, tt := range tests {
		if got := MatchPattern(tt.pattern, tt.key); got != tt.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.key, got, tt.want)
		}
	}
}

// --- Contract tests shared by every backend ---

func testStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := s.Get(ctx, "components.none"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("PutGet", func(t *testing.T) {
		if err := s.Put(ctx, "components.svc-a", []byte(`{"id":"svc-a"}`)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, err := s.Get(ctx, "components.svc-a")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if string(got) != `{"id":"svc-a"}` {
			t.Errorf("Get = %q", got)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = s.Put(ctx, "components.svc-a", []byte("v2"))
		got, _ := s.Get(ctx, "components.svc-a")
		if string(got) != "v2" {
			t.Errorf("Get after overwrite = %q", got)
		}
	})

	t.Run("Keys", func(t *testing.T) {
		_ = s.Put(ctx, "components.svc_b", []byte("b"))
		_ = s.Put(ctx, "subscriptions.svc-a", []byte("[]"))

		keys, err := s.Keys(ctx, "components.*")
		if err != nil {
			t.Fatalf("Keys: %v", err)
		}
		want := []string{"components.svc-a", "components.svc_b"}
		if !reflect.DeepEqual(keys, want) {
			t.Errorf("Keys = %v, want %v", keys, want)
		}

		all, _ := s.Keys(ctx, "*")
		if len(all) != 3 {
			t.Errorf("Keys(*) = %v", all)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := s.Delete(ctx, "components.svc-a"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := s.Get(ctx, "components.svc-a"); err != ErrNotFound {
			t.Errorf("Get after Delete = %v", err)
		}
		if err := s.Delete(ctx, "components.svc-a"); err != nil {
			t.Errorf("Delete of missing key = %v", err)
		}
	})

	t.Run("InvalidKey", func(t *testing.T) {
		if err := s.Put(ctx, "bad key", nil); err != ErrInvalidKey {
			t.Errorf("Put invalid key = %v", err)
		}
	})

	t.Run("Closed", func(t *testing.T) {
		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if _, err := s.Get(ctx, "components.svc_b"); err != ErrClosed {
			t.Errorf("Get after Close = %v", err)
		}
		if err := s.Put(ctx, "components.x", nil); err != ErrClosed {
			t.Errorf("Put after Close = %v", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, NewMemoryStore())
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	buf := []byte("abc")
	_ = s.Put(ctx, "k", buf)
	buf[0] = 'x'
	got, _ := s.Get(ctx, "k")
	if string(got) != "abc" {
		t.Errorf("store aliased caller buffer: %q", got)
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(SQLiteConfig{Path: filepath.Join(t.TempDir(), "state", "hermes.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	testStoreContract(t, s)
}

func TestSQLiteStore_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hermes.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(SQLiteConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	_ = s1.Put(ctx, "components.svc-a", []byte("persisted"))
	s1.Close()

	s2, err := NewSQLiteStore(SQLiteConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	got, err := s2.Get(ctx, "components.svc-a")
	if err != nil || string(got) != "persisted" {
		t.Errorf("Get after reopen = %q, %v", got, err)
	}
}

func TestSQLiteStore_LikeEscaping(t *testing.T) {
	s, err := NewSQLiteStore(SQLiteConfig{Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	_ = s.Put(ctx, "a_b.x", []byte("1"))
	_ = s.Put(ctx, "aXb.y", []byte("2"))

	keys, _ := s.Keys(ctx, "a_b.*")
	if !reflect.DeepEqual(keys, []string{"a_b.x"}) {
		t.Errorf("underscore must match literally, got %v", keys)
	}
}

func TestSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(SQLiteConfig{}); err == nil {
		t.Error("expected error for empty path")
	}
}
