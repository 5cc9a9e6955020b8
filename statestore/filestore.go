// Package statestore persists loop state as JSON files on disk, one file
// per (task, agent) pair with latest-wins semantics.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/martinemde/runloop/history"
)

// envelope wraps the state with identity and a save timestamp so a file is
// self-describing when inspected by hand.
type envelope struct {
	TaskID  string         `json:"task_id"`
	AgentID string         `json:"agent_id"`
	SavedAt time.Time      `json:"saved_at"`
	State   *history.State `json:"state"`
}

// FileStore keeps one JSON file per agent under <dir>/<task>/<agent>.json.
// Saves go through a temp file and rename, so a crash mid-write leaves the
// previous state intact.
type FileStore struct {
	dir string
}

// NewFileStore creates a store rooted at dir. The directory is created
// lazily on first save.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// sanitize maps an identifier to a safe path component.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}

func (fs *FileStore) path(taskID, agentID string) string {
	return filepath.Join(fs.dir, sanitize(taskID), sanitize(agentID)+".json")
}

func (fs *FileStore) Save(ctx context.Context, taskID, agentID string, st *history.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := fs.path(taskID, agentID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	data, err := json.MarshalIndent(envelope{
		TaskID:  taskID,
		AgentID: agentID,
		SavedAt: time.Now().UTC(),
		State:   st,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

func (fs *FileStore) Load(ctx context.Context, taskID, agentID string) (*history.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fs.path(taskID, agentID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding state: %w", err)
	}
	return env.State, nil
}
