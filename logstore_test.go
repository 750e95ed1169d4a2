package replog

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestFileLogStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileLogStore(filepath.Join(dir, "log"), 3)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(s.Path()) != "03.txt" {
		t.Errorf("log file is %s", s.Path())
	}

	// no file yet
	bs, err := s.Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(bs) != 0 {
		t.Errorf("new log has %q", bs)
	}

	for _, v := range []string{"a", "b b", ""} {
		if err := s.Append(v); err != nil {
			t.Fatal(err)
		}
	}
	bs, err = s.Read()
	if err != nil {
		t.Fatal(err)
	}
	if string(bs) != "a\nb b\n\n" {
		t.Errorf("log is %q", bs)
	}

	if err := s.Append("two\nlines"); err != ErrInvalidValue {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}
}

func TestFileLogStoreReplace(t *testing.T) {
	s, err := NewFileLogStore(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Append("old"); err != nil {
		t.Fatal(err)
	}
	if err := s.Replace([]byte("x\ny\n")); err != nil {
		t.Fatal(err)
	}
	if err := s.Append("z"); err != nil {
		t.Fatal(err)
	}
	bs, err := s.Read()
	if err != nil {
		t.Fatal(err)
	}
	if string(bs) != "x\ny\nz\n" {
		t.Errorf("log is %q", bs)
	}
	if _, err := os.Stat(s.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
}

func TestSplitJoinEntries(t *testing.T) {
	if got := splitEntries(nil); len(got) != 0 {
		t.Errorf("empty log split into %v", got)
	}
	entries := []string{"a", "", "c"}
	joined := joinEntries(entries)
	if string(joined) != "a\n\nc\n" {
		t.Errorf("joined %q", joined)
	}
	if got := splitEntries(joined); !reflect.DeepEqual(got, entries) {
		t.Errorf("split %v", got)
	}
}
