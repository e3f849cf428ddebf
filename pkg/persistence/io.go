package persistence

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

func SaveSession(sessionFile string, session *Session) error {
	data, err := yaml.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err = os.WriteFile(sessionFile, data, 0640); err != nil {
		return err
	}
	return nil
}

// TryToResumeSession reads sessionFile. A missing file yields an empty
// session and no error.
func TryToResumeSession(sessionFile string) (Session, error) {
	_, err := os.Stat(sessionFile)
	if os.IsNotExist(err) {
		return Session{}, nil
	}
	if err != nil {
		return Session{}, err
	}

	data, err := os.ReadFile(sessionFile)
	if err != nil {
		return Session{}, err
	}

	var session Session
	if err = yaml.Unmarshal(data, &session); err != nil {
		return Session{}, fmt.Errorf("decode session %s: %w", sessionFile, err)
	}
	return session, nil
}
