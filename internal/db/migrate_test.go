package db

import (
	"testing"
	"testing/fstest"

	"github.com/coop-market/backend/migrations"
)

func TestUpVersions(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_b.up.sql":   {Data: []byte("SELECT 1")},
		"0001_a.up.sql":   {Data: []byte("SELECT 1")},
		"0001_a.down.sql": {Data: []byte("SELECT 1")},
		"README.md":       {Data: []byte("docs")},
	}
	got, err := upVersions(fsys)
	if err != nil {
		t.Fatalf("upVersions: %v", err)
	}
	want := []string{"0001_a", "0002_b"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	versions, err := upVersions(migrations.FS)
	if err != nil {
		t.Fatalf("upVersions: %v", err)
	}
	if len(versions) == 0 || versions[0] != "0001_escrows" {
		t.Fatalf("unexpected embedded migrations: %v", versions)
	}
}
