package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/codevibesmatter/vibestack-sub001/internal/lsn"
)

func TestOpenFileStateStoreFresh(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFileStateStore(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	if s.ClientID() == "" {
		t.Fatal("expected a client id to be assigned")
	}
	if s.AppliedLSN() != lsn.Zero {
		t.Fatalf("expected zero LSN, got %s", s.AppliedLSN())
	}
}

func TestAdvanceLSNPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s, err := OpenFileStateStore(path)
	if err != nil {
		t.Fatal(err)
	}
	want := lsn.MustParse("0/ff")
	if err := s.AdvanceLSN(want); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenFileStateStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.AppliedLSN() != want {
		t.Fatalf("AppliedLSN after reopen = %s, want %s", reopened.AppliedLSN(), want)
	}
	if reopened.ClientID() != s.ClientID() {
		t.Fatal("client id should survive reopen")
	}
}

func TestAdvanceLSNRejectsRegression(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFileStateStore(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AdvanceLSN(lsn.MustParse("0/10")); err != nil {
		t.Fatal(err)
	}
	if err := s.AdvanceLSN(lsn.MustParse("0/5")); err == nil {
		t.Fatal("expected regression to be rejected")
	}
}

func TestResetClearsState(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFileStateStore(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	original := s.ClientID()
	if err := s.AdvanceLSN(lsn.MustParse("0/10")); err != nil {
		t.Fatal(err)
	}
	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
	if s.AppliedLSN() != lsn.Zero {
		t.Fatal("expected LSN reset to zero")
	}
	if s.ClientID() == original {
		t.Fatal("expected a fresh client id after reset")
	}
}

func TestCorruptStateFileRecovers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := OpenFileStateStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.AppliedLSN() != lsn.Zero {
		t.Fatal("expected restart from zero after corruption")
	}

	matches, _ := filepath.Glob(path + ".corrupt.*")
	if len(matches) != 1 {
		t.Fatalf("expected exactly one backup file, found %d", len(matches))
	}
}
