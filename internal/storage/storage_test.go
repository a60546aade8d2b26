package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestKey(t *testing.T) {
	started := time.Date(2026, 3, 14, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))

	tests := []struct {
		name    string
		owner   string
		started *time.Time
		callID  string
		want    string
	}{
		{"utc_day", "acme", &started, "call-1", "acme/2026-03-15/call-1.json"},
		{"slashes_replaced", "a/b", &started, "../etc/passwd", "a_b/2026-03-15/__etc_passwd.json"},
		{"empty_segments", "", &started, "", "_/2026-03-15/_.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Key(tt.owner, tt.started, tt.callID); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}

	t.Run("nil_start_uses_today", func(t *testing.T) {
		got := Key("acme", nil, "c")
		today := time.Now().UTC().Format("2006-01-02")
		if got != "acme/"+today+"/c.json" {
			t.Errorf("Key() = %q, want today's date %s", got, today)
		}
	})
}

func TestLocalStore(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStore(dir)
	ctx := context.Background()
	key := "acme/2026-03-15/call-1.json"

	if s.Exists(ctx, key) {
		t.Fatal("key should not exist before Save")
	}
	if err := s.Save(ctx, key, []byte(`{"ok":true}`), "application/json"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !s.Exists(ctx, key) {
		t.Fatal("key should exist after Save")
	}

	r, err := s.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := io.ReadAll(r)
	r.Close()
	if string(data) != `{"ok":true}` {
		t.Errorf("Open returned %q", data)
	}

	// No temp files left behind
	entries, _ := os.ReadDir(filepath.Join(dir, "acme", "2026-03-15"))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
	if s.Type() != "local" {
		t.Errorf("Type() = %q", s.Type())
	}
}

func TestTieredStore(t *testing.T) {
	ctx := context.Background()
	key := "acme/2026-03-15/call-1.json"

	t.Run("save_writes_both", func(t *testing.T) {
		remote := NewLocalStore(t.TempDir())
		local := NewLocalStore(t.TempDir())
		ts := NewTieredStore(remote, local, nil, zerolog.Nop())

		if err := ts.Save(ctx, key, []byte("x"), "application/json"); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if !local.Exists(ctx, key) || !remote.Exists(ctx, key) {
			t.Error("expected payload in both tiers")
		}
	})

	t.Run("open_falls_back_and_caches", func(t *testing.T) {
		remote := NewLocalStore(t.TempDir())
		local := NewLocalStore(t.TempDir())
		ts := NewTieredStore(remote, local, nil, zerolog.Nop())

		if err := remote.Save(ctx, key, []byte("remote"), "application/json"); err != nil {
			t.Fatal(err)
		}
		if !ts.Exists(ctx, key) {
			t.Fatal("Exists should see the remote copy")
		}
		r, err := ts.Open(ctx, key)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		data, _ := io.ReadAll(r)
		r.Close()
		if string(data) != "remote" {
			t.Errorf("Open returned %q", data)
		}
		if !local.Exists(ctx, key) {
			t.Error("remote hit should be cached locally")
		}
	})

	t.Run("async_uploader_mirrors", func(t *testing.T) {
		remote := NewLocalStore(t.TempDir())
		local := NewLocalStore(t.TempDir())
		up := NewAsyncUploader(remote, 4, 1, zerolog.Nop())
		up.Start()
		ts := NewTieredStore(remote, local, up, zerolog.Nop())

		if err := ts.Save(ctx, key, []byte("x"), "application/json"); err != nil {
			t.Fatalf("Save: %v", err)
		}
		up.Stop() // drains the queue
		if !remote.Exists(ctx, key) {
			t.Error("uploader should have mirrored the payload")
		}
		if up.Failed() != 0 {
			t.Errorf("Failed() = %d, want 0", up.Failed())
		}

		// Enqueue after Stop is a no-op
		up.Enqueue("late.json", []byte("x"), "application/json")
	})
}

func TestAsyncUploaderEnqueueDuringStop(t *testing.T) {
	remote := NewLocalStore(t.TempDir())
	up := NewAsyncUploader(remote, 8, 2, zerolog.Nop())
	up.Start()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				up.Enqueue(fmt.Sprintf("w%d/%d.json", i, j), []byte("x"), "application/json")
			}
		}(i)
	}
	time.Sleep(time.Millisecond)
	up.Stop()
	wg.Wait()

	// A second Stop and later sends must not panic on the closed queue.
	up.Stop()
	up.Enqueue("late.json", []byte("x"), "application/json")
	if up.Failed() != 0 {
		t.Errorf("Failed() = %d, want 0", up.Failed())
	}
	if remote.Exists(context.Background(), "late.json") {
		t.Error("upload enqueued after Stop was written")
	}
}

func TestObjectKey(t *testing.T) {
	if got := objectKey("", "a/b.json"); got != "transcripts/a/b.json" {
		t.Errorf("objectKey no prefix = %q", got)
	}
	if got := objectKey("prod", "a/b.json"); got != "prod/transcripts/a/b.json" {
		t.Errorf("objectKey with prefix = %q", got)
	}
}
