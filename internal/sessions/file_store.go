package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/haasonsaas/parley/pkg/models"
)

const (
	recordExt   = ".json"
	maxIDLength = 200
)

// FileStore persists each session as one JSON file:
//
//	<root>/<workspace>/<kind>/<escaped id>.json
//
// Saves go through a temp file and a rename in the same directory, so a
// concurrent reader sees either the previous record or the new one.
type FileStore struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates a store rooted at dir. The directory is created on
// first save.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("session store directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve session dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		root:   abs,
		logger: logger.With("component", "session-store"),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the store directory.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) List(ctx context.Context, scope Scope) ([]*models.SessionMeta, error) {
	dir, err := s.dir(scope)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []*models.SessionMeta{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	metas := make([]*models.SessionMeta, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		session, err := readRecord(filepath.Join(dir, name))
		if err != nil {
			s.logger.Warn("skipping unreadable session record",
				"file", name,
				"workspace", scope.Workspace,
				"error", err)
			continue
		}
		metas = append(metas, session.Meta())
	}

	sortMetas(metas)
	return metas, nil
}

func (s *FileStore) Load(ctx context.Context, scope Scope, id string) (*models.Session, error) {
	path, err := s.path(scope, id)
	if err != nil {
		return nil, err
	}
	session, err := readRecord(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return session, nil
}

func (s *FileStore) Save(ctx context.Context, scope Scope, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	path, err := s.path(scope, session.ID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}

	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, scope Scope, id string) (bool, error) {
	path, err := s.path(scope, id)
	if err != nil {
		return false, err
	}

	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete session %s: %w", id, err)
	}
	return true, nil
}

func (s *FileStore) dir(scope Scope) (string, error) {
	scope, err := scope.Normalized()
	if err != nil {
		return "", err
	}
	ws, err := EscapeID(scope.Workspace)
	if err != nil {
		return "", fmt.Errorf("workspace: %w", err)
	}
	return filepath.Join(s.root, ws, string(scope.Kind)), nil
}

func (s *FileStore) path(scope Scope, id string) (string, error) {
	dir, err := s.dir(scope)
	if err != nil {
		return "", err
	}
	name, err := EscapeID(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name+recordExt), nil
}

func (s *FileStore) lockFor(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[path] = lock
	}
	return lock
}

// EscapeID maps an id to a file name that cannot leave its directory.
// Bytes outside [A-Za-z0-9._-] become %XX, so distinct ids never collide.
func EscapeID(id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	var b strings.Builder
	for i := 0; i < len(id); i++ {
		c := id[i]
		if isSafeByte(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	name := b.String()
	if name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if len(name) > maxIDLength {
		return "", fmt.Errorf("%w: longer than %d bytes once escaped", ErrInvalidID, maxIDLength)
	}
	return name, nil
}

func isSafeByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '_', c == '.':
		return true
	}
	return false
}

func readRecord(path string) (*models.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if session.ID == "" {
		return nil, fmt.Errorf("decode %s: missing id", filepath.Base(path))
	}
	return &session, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	// The temp name never ends in recordExt, so List ignores it.
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".~tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
