package memory

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"companiond/internal/domain"
	"companiond/internal/store"
)

func TestExtract(t *testing.T) {
	cases := []struct {
		msg  string
		keys []string
	}{
		{"Hi! My name is alex, nice to meet you", []string{"name"}},
		{"call me Sam", []string{"name"}},
		{"I live in new york", []string{"location"}},
		{"I love pizza and I hate mornings", []string{"loves_pizza", "hates_mornings"}},
		{"my favorite color is green", []string{"favorite_color"}},
		{"my favourite band is Muse", []string{"favorite_band"}},
		{"I can't stand traffic", []string{"dislikes_traffic"}},
		{"how was your day?", nil},
	}
	for _, c := range cases {
		var got []string
		for _, m := range Extract(c.msg) {
			got = append(got, m.Key)
			if !m.Shared {
				t.Errorf("%q: extracted memories must be shared", c.msg)
			}
		}
		if diff := cmp.Diff(c.keys, got); diff != "" {
			t.Errorf("Extract(%q) keys mismatch (-want +got):\n%s", c.msg, diff)
		}
	}

	if m := Extract("my name is alex"); m[0].Value != "Alex" || m[0].Content != "User's name is Alex" {
		t.Errorf("unexpected name memory %+v", m[0])
	}
}

func newManager(t *testing.T) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	db, err := store.Open(filepath.Join(t.TempDir(), "m.db"), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return NewManager(Config{Store: db, Logger: logger})
}

func TestManager_KeyedFactsReplace(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	m.ExtractAndSave(ctx, "luna", "my name is alex")
	m.ExtractAndSave(ctx, "john", "actually, call me Sam")

	mems, err := m.ForCompanion(ctx, "luna", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(mems) != 1 || mems[0].Value != "Sam" {
		t.Errorf("expected one shared name memory Sam, got %+v", mems)
	}
}

func TestManager_PrivateMemoriesStayWithCompanion(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	if _, err := m.Add(ctx, domain.Memory{Content: "User told Luna a secret", CompanionID: "luna", Importance: 5}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Add(ctx, domain.Memory{Content: "User likes tea", Shared: true, Importance: 2}); err != nil {
		t.Fatal(err)
	}

	luna, _ := m.ForCompanion(ctx, "luna", 0)
	john, _ := m.ForCompanion(ctx, "john", 0)
	if len(luna) != 2 || luna[0].Content != "User told Luna a secret" {
		t.Errorf("expected luna to see both, most important first, got %+v", luna)
	}
	if len(john) != 1 || john[0].Content != "User likes tea" {
		t.Errorf("expected john to see only shared, got %+v", john)
	}
}

func TestManager_AddRequiresContent(t *testing.T) {
	m := newManager(t)
	if _, err := m.Add(context.Background(), domain.Memory{Content: "  "}); err == nil {
		t.Error("expected error for empty content")
	}
}
