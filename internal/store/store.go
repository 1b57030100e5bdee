// ABOUTME: Persistence interfaces consumed by the relay and proxy cores.
// ABOUTME: Connector records, device configuration, and remote sessions.

package store

import (
	"context"
	"errors"
	"time"
)

// Store errors
var (
	ErrConnectorNotFound = errors.New("connector not found")
	ErrDeviceNotFound    = errors.New("device not found")
	ErrSessionNotFound   = errors.New("session not found")
)

// Session status values.
const (
	SessionStatusActive  = "active"
	SessionStatusExpired = "expired"
	SessionStatusEnded   = "ended"
)

// Connector is the registered record of an on-premise agent.
type Connector struct {
	ID         string
	TenantID   string
	OwnerID    string
	Name       string
	Online     bool
	LastSeenAt time.Time
	CreatedAt  time.Time
}

// Device is an access-control unit reachable through a connector. The host
// fields mirror the device configuration pushed from the control plane;
// Address is the address the device registered itself with.
type Device struct {
	ID           string
	TenantID     string
	Name         string
	PrimaryHost  string
	FallbackHost string
	LegacyHost   string
	Address      string
}

// Session maps a browser-visible session id to a target device. The core
// trusts this mapping once validated and never interprets its storage.
type Session struct {
	ID             string
	TenantID       string
	DeviceID       string
	TargetOverride string
	Status         string
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// Expired reports whether the session is past its expiry instant.
func (s *Session) Expired() bool {
	return time.Now().After(s.ExpiresAt)
}

// ConnectorStore is the narrow interface the relay uses to check agent
// identity at handshake and to record online/offline transitions.
type ConnectorStore interface {
	GetConnector(ctx context.Context, id string) (*Connector, error)
	SetConnectorOnline(ctx context.Context, id string, online bool) error
}

// DeviceStore resolves device configuration for target selection.
type DeviceStore interface {
	GetDevice(ctx context.Context, id string) (*Device, error)
}

// SessionStore is the narrow interface the proxy uses to validate and end
// remote sessions.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*Session, error)
	SaveSession(ctx context.Context, s *Session) error
	ExpireSession(ctx context.Context, id string) error
	EndSession(ctx context.Context, id string) error
}
