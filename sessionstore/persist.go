package sessionstore

import (
	"encoding/json"

	"github.com/jrsteele09/go-session-reconciler/session"
	"github.com/pkg/errors"
)

const sessionKey = AuthKeyPrefix + "session"

// SaveSession mirrors the session into the store so it survives restarts.
func SaveSession(store Store, sess *session.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return errors.Wrap(err, "[SaveSession] json.Marshal")
	}
	store.Set(sessionKey, string(data))
	return nil
}

// LoadSession reads a previously mirrored session. The second return value
// is false when no session has been persisted or the stored value cannot be
// decoded; a corrupt entry is treated the same as an absent one.
func LoadSession(store Store) (*session.Session, bool) {
	raw, ok := store.Get(sessionKey)
	if !ok {
		return nil, false
	}
	var sess session.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, false
	}
	return &sess, true
}
