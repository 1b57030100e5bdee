// ABOUTME: Session validation boundary: a session must exist, be active and
// ABOUTME: unexpired before any tunneled dispatch happens on its behalf.

package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/gatewise/gatewise/internal/store"
)

var (
	ErrSessionEnded   = errors.New("session has ended")
	ErrSessionExpired = errors.New("session has expired")
)

// ValidateSession resolves a session id and enforces the three-way state
// check. A session still flagged active but past its expiry instant is
// lazily transitioned to expired as a side effect.
func ValidateSession(ctx context.Context, sessions store.SessionStore, id string) (*store.Session, error) {
	sess, err := sessions.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}

	switch sess.Status {
	case store.SessionStatusEnded:
		return nil, ErrSessionEnded
	case store.SessionStatusExpired:
		return nil, ErrSessionExpired
	}

	if sess.Expired() {
		if err := sessions.ExpireSession(ctx, id); err != nil {
			return nil, fmt.Errorf("expiring session %s: %w", id, err)
		}
		return nil, ErrSessionExpired
	}
	return sess, nil
}
