// ABOUTME: Target resolution policy: which host a session's traffic is sent
// ABOUTME: to on the device side, in strict priority order.

package proxy

import (
	"errors"
	"strings"

	"github.com/gatewise/gatewise/internal/store"
)

// ErrNoTarget means neither the session nor the device configuration yields
// a reachable base URL.
var ErrNoTarget = errors.New("no target host resolved for device")

// ResolveTarget picks the base URL for a session's device: session override
// first, then the device's primary host, the two fallback fields, and
// finally the registered address. Scheme-less values get plain http, which
// is what the devices actually speak on a LAN.
func ResolveTarget(sess *store.Session, dev *store.Device) (string, error) {
	candidates := []string{
		sess.TargetOverride,
		dev.PrimaryHost,
		dev.FallbackHost,
		dev.LegacyHost,
		dev.Address,
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if !strings.Contains(c, "://") {
			c = "http://" + c
		}
		return c, nil
	}
	return "", ErrNoTarget
}
