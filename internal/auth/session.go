package auth

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
)

const sessionParticipantKey = "participant_id"

// SessionManager stores the authenticated participant id in a signed cookie
type SessionManager struct {
	store sessions.Store
	name  string
}

// NewSessionManager creates a cookie-backed session manager.
func NewSessionManager(key []byte, name string, maxAge time.Duration, secure bool) *SessionManager {
	store := sessions.NewCookieStore(key)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &SessionManager{store: store, name: name}
}

// ParticipantID returns the session's participant id, or "" if there is none.
func (m *SessionManager) ParticipantID(r *http.Request) string {
	session, err := m.store.Get(r, m.name)
	if err != nil {
		return ""
	}
	id, _ := session.Values[sessionParticipantKey].(string)
	return id
}

// Save binds the session cookie to participantID.
func (m *SessionManager) Save(w http.ResponseWriter, r *http.Request, participantID string) error {
	// A cookie signed with a rotated key fails to decode; start fresh.
	session, _ := m.store.Get(r, m.name)
	session.Values[sessionParticipantKey] = participantID
	if err := session.Save(r, w); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// Clear expires the session cookie.
func (m *SessionManager) Clear(w http.ResponseWriter, r *http.Request) error {
	session, _ := m.store.Get(r, m.name)
	session.Options.MaxAge = -1
	delete(session.Values, sessionParticipantKey)
	if err := session.Save(r, w); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	return nil
}
