package client

import (
	"encoding/json"
	"os"

	"udpim/models"
)

// SessionStore persists the client's Session Record as a small JSON file,
// letting the user resume without re-entering identity.
type SessionStore struct {
	path string
}

func NewSessionStore(path string) *SessionStore {
	return &SessionStore{path: path}
}

// Load reads the stored record. A missing file is not an error: it just
// means there is no session to resume.
func (s *SessionStore) Load() (*models.SessionRecord, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var record models.SessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	if record.Username == "" {
		return nil, nil
	}

	return &record, nil
}

// Save writes the record atomically: a half-written session file must never
// be observable, even if the process dies mid-write.
func (s *SessionStore) Save(record *models.SessionRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Clear removes an invalidated record.
func (s *SessionStore) Clear() error {
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
