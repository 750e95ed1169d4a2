package replog

import (
	"bytes"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LogFileFormat is the name of a node's log file inside the log directory.
const LogFileFormat = "%02d.txt"

// ErrInvalidValue is returned for values that cannot be stored in the log.
var ErrInvalidValue = errors.New("value must not contain a newline")

// LogStore is the durable, append-only log of committed values of a node.
// Implementations serialize their operations.
type LogStore interface {
	// Append adds one value at the end of the log.
	Append(entry string) error
	// Replace overwrites the whole log.
	Replace(contents []byte) error
	// Read returns the whole log.
	Read() ([]byte, error)
}

// FileLogStore keeps the log in a flat text file, one value per line.
type FileLogStore struct {
	path string
	mu   sync.Mutex
}

// NewFileLogStore returns the log store of node id inside dir, creating the
// directory if needed.
func NewFileLogStore(dir string, id int) (*FileLogStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileLogStore{path: filepath.Join(dir, fmt.Sprintf(LogFileFormat, id))}, nil
}

// Path returns the location of the log file.
func (s *FileLogStore) Path() string {
	return s.path
}

func (s *FileLogStore) Append(entry string) error {
	if err := validValue(entry); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(entry + "\n"); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Replace writes the new contents to a temporary file and renames it over
// the log so a crash never leaves a partial log behind.
func (s *FileLogStore) Replace(contents []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(contents); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileLogStore) Read() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bs, err := ioutil.ReadFile(s.path)
	if os.IsNotExist(err) {
		return []byte{}, nil
	}
	return bs, err
}

func validValue(v string) error {
	if strings.Contains(v, "\n") {
		return ErrInvalidValue
	}
	return nil
}

// joinEntries is the inverse of splitEntries.
func joinEntries(entries []string) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteString(e)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// splitEntries turns log contents into the list of values.
func splitEntries(contents []byte) []string {
	if len(contents) == 0 {
		return []string{}
	}
	contents = bytes.TrimSuffix(contents, []byte("\n"))
	return strings.Split(string(contents), "\n")
}
