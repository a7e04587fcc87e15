package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/splax/teamup/pkg/crypto"
)

// ErrLocked is returned when the session file is encrypted and no passphrase was supplied.
var ErrLocked = errors.New("session file is encrypted; passphrase required")

// FileStore persists tokens as JSON in a single file, optionally sealed with a passphrase.
type FileStore struct {
	path       string
	passphrase string
	mu         sync.Mutex
}

type fileEnvelope struct {
	Tokens
	Sealed []byte `json:"sealed,omitempty"`
}

// DefaultPath returns the per-user session file location.
func DefaultPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "teamup", "session.json"), nil
}

// NewFileStore creates a store at path. An empty passphrase stores tokens in clear text.
func NewFileStore(path, passphrase string) *FileStore {
	return &FileStore{path: path, passphrase: passphrase}
}

// Path returns the file location.
func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Load(_ context.Context) (Tokens, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Tokens{}, nil
		}
		return Tokens{}, fmt.Errorf("read session file: %w", err)
	}
	var env fileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Tokens{}, fmt.Errorf("decode session file: %w", err)
	}
	if len(env.Sealed) == 0 {
		return env.Tokens, nil
	}
	if f.passphrase == "" {
		return Tokens{}, ErrLocked
	}
	plain, err := crypto.DecryptToString(f.passphrase, env.Sealed)
	if err != nil {
		return Tokens{}, fmt.Errorf("unseal session file: %w", err)
	}
	var tokens Tokens
	if err := json.Unmarshal([]byte(plain), &tokens); err != nil {
		return Tokens{}, fmt.Errorf("decode sealed session: %w", err)
	}
	return tokens, nil
}

func (f *FileStore) Save(_ context.Context, tokens Tokens) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	env := fileEnvelope{Tokens: tokens}
	if f.passphrase != "" {
		plain, err := json.Marshal(tokens)
		if err != nil {
			return err
		}
		sealed, err := crypto.EncryptString(f.passphrase, string(plain))
		if err != nil {
			return fmt.Errorf("seal session: %w", err)
		}
		env = fileEnvelope{Sealed: sealed}
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(f.path, data)
}

// writeFileAtomic writes data to a temp file beside path and renames it into place, so
// readers see either the old or the new pair.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create session temp file: %w", err)
	}
	name := tmp.Name()
	defer os.Remove(name)
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod session temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write session temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync session temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session temp file: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

func (f *FileStore) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}
