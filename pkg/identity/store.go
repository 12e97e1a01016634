package identity

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/adred-codev/gameclient/pkg/errs"
)

const (
	dirMode  = 0o700
	fileMode = 0o600
)

// FileStore persists identities (and optionally tokens) as one JSON file
// each under a per-user directory. The directory is created 0700 and every
// file is written 0600. Every path is validated before use: a name whose
// resolved absolute path escapes the store directory — including via
// symlinks — is rejected.
type FileStore struct {
	dir    string
	logger zerolog.Logger
}

// DefaultDir returns ${HOME}/.gameclient/identities.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errs.Wrap(errs.KindConfig, "identity.default_dir", err)
	}
	return filepath.Join(home, ".gameclient", "identities"), nil
}

// NewFileStore opens (creating if needed) a store rooted at dir.
func NewFileStore(dir string, logger zerolog.Logger) (*FileStore, error) {
	const op = "identity.new_file_store"
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, errs.Wrap(errs.KindConfig, op, err)
	}
	// Tighten the mode in case the directory pre-existed looser.
	if err := os.Chmod(dir, dirMode); err != nil {
		return nil, errs.Wrap(errs.KindConfig, op, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, op, err)
	}
	return &FileStore{
		dir:    abs,
		logger: logger.With().Str("component", "identity_store").Logger(),
	}, nil
}

// Dir returns the store's root directory.
func (s *FileStore) Dir() string { return s.dir }

// resolve maps a logical name to an on-disk path, rejecting anything that
// would land outside the store directory once symlinks are resolved.
func (s *FileStore) resolve(name, suffix string) (string, error) {
	const op = "identity.resolve_path"
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return "", errs.New(errs.KindValidation, op, "invalid name %q", name)
	}
	root, err := filepath.EvalSymlinks(s.dir)
	if err != nil {
		return "", errs.Wrap(errs.KindConfig, op, err)
	}
	path := filepath.Join(root, name+suffix)

	// If the target already exists it may itself be a symlink; resolve it
	// and re-check containment.
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	} else if !os.IsNotExist(err) {
		return "", errs.Wrap(errs.KindValidation, op, err)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errs.New(errs.KindValidation, op, "path %q escapes identity directory", name)
	}
	return path, nil
}

func (s *FileStore) writeJSON(path string, v any) error {
	const op = "identity.write"
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindValidation, op, err)
	}
	// Write-then-rename within the same directory keeps the file either
	// old or new, never torn, and the temp file carries the final mode.
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return errs.Wrap(errs.KindConfig, op, err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return errs.Wrap(errs.KindConfig, op, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.Wrap(errs.KindConfig, op, err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.KindConfig, op, err)
	}
	return os.Rename(tmp.Name(), path)
}

func (s *FileStore) readJSON(path string, v any) error {
	const op = "identity.read"
	data, err := os.ReadFile(path)
	if err != nil {
		return errs.Wrap(errs.KindConfig, op, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errs.Wrap(errs.KindDecode, op, err)
	}
	return nil
}

// SaveIdentity persists an identity under its name.
func (s *FileStore) SaveIdentity(id *Identity) error {
	path, err := s.resolve(id.Name, ".json")
	if err != nil {
		return err
	}
	if err := s.writeJSON(path, id); err != nil {
		return err
	}
	s.logger.Debug().Str("name", id.Name).Str("identity_id", id.ID).Msg("identity saved")
	return nil
}

// LoadIdentity loads an identity by name.
func (s *FileStore) LoadIdentity(name string) (*Identity, error) {
	path, err := s.resolve(name, ".json")
	if err != nil {
		return nil, err
	}
	var id Identity
	if err := s.readJSON(path, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

// LoadOrCreateIdentity loads an identity by name, generating and
// persisting a fresh one when none exists yet.
func (s *FileStore) LoadOrCreateIdentity(name string) (*Identity, error) {
	path, err := s.resolve(name, ".json")
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); statErr == nil {
		var id Identity
		if err := s.readJSON(path, &id); err != nil {
			return nil, err
		}
		return &id, nil
	}
	id, err := New(name)
	if err != nil {
		return nil, err
	}
	if err := s.SaveIdentity(id); err != nil {
		return nil, err
	}
	s.logger.Info().Str("name", name).Str("identity_id", id.ID).Msg("new identity generated")
	return id, nil
}

// DeleteIdentity removes an identity file. Identities are deleted only by
// explicit request; there is no expiry path.
func (s *FileStore) DeleteIdentity(name string) error {
	path, err := s.resolve(name, ".json")
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.KindConfig, "identity.delete", err)
	}
	return nil
}

// ListIdentities returns the names of all stored identities.
func (s *FileStore) ListIdentities() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "identity.list", err)
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasSuffix(n, ".json") || strings.HasSuffix(n, ".token.json") {
			continue
		}
		names = append(names, strings.TrimSuffix(n, ".json"))
	}
	return names, nil
}

// SaveToken persists a token next to its identity, mode 0600.
func (s *FileStore) SaveToken(identityName string, t *Token) error {
	path, err := s.resolve(identityName, ".token.json")
	if err != nil {
		return err
	}
	return s.writeJSON(path, t)
}

// LoadToken loads a previously persisted token, or nil when absent.
func (s *FileStore) LoadToken(identityName string) (*Token, error) {
	path, err := s.resolve(identityName, ".token.json")
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return nil, nil
	}
	var t Token
	if err := s.readJSON(path, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteToken removes a persisted token.
func (s *FileStore) DeleteToken(identityName string) error {
	path, err := s.resolve(identityName, ".token.json")
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.KindConfig, "identity.delete_token", err)
	}
	return nil
}
