package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"modvfs/internal/logging"
)

var (
	logger = logging.GetLogger().WithPrefix("state")
)

// Manager handles loading and saving the session record
type Manager struct {
	statePath string
	mu        sync.Mutex
}

// NewManager creates a new state manager for the given state file path.
// It ensures the state directory exists.
func NewManager(statePath string) (*Manager, error) {
	logger.Debug("Creating new state manager with path: %s", statePath)

	absPath, err := filepath.Abs(statePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve state path %s: %w", statePath, err)
	}

	stateDir := filepath.Dir(absPath)
	logger.Trace("Ensuring state directory exists: %s", stateDir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	return &Manager{statePath: absPath}, nil
}

// Path returns the record's location.
func (sm *Manager) Path() string {
	return sm.statePath
}

// Load reads the session record. It returns nil without error when there is
// no record.
func (sm *Manager) Load() (*Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	logger.Debug("Loading session from: %s", sm.statePath)
	data, err := os.ReadFile(sm.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Trace("No session record")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	if s.Version > CurrentVersion {
		return nil, fmt.Errorf("state file version %d is newer than supported %d", s.Version, CurrentVersion)
	}

	logger.Debug("Loaded session for %s (pid %d)", s.MountPoint, s.PID)
	return &s, nil
}

// Save writes the session record atomically.
func (sm *Manager) Save(s *Session) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	s.Version = CurrentVersion
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := sm.statePath + ".tmp"
	logger.Trace("Writing %d bytes of state data", len(data))
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, sm.statePath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	logger.Debug("Session for %s saved", s.MountPoint)
	return nil
}

// Clear removes the session record.
func (sm *Manager) Clear() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if err := os.Remove(sm.statePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	logger.Debug("Session record cleared")
	return nil
}
