// client/identity.go
package client

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	identityKeyDeviceID    = "device_id"
	identityKeyFingerprint = "fingerprint"
)

// IdentityResolver derives and persists the stable per-installation device id
// and the coarser cross-install fingerprint. Values are written exactly once;
// concurrent first calls agree on whatever the store accepted first.
type IdentityResolver struct {
	store *Store
	mu    sync.Mutex
}

func NewIdentityResolver(store *Store) *IdentityResolver {
	return &IdentityResolver{store: store}
}

// DeviceID returns the cached device id, deriving and persisting one on first
// use. Derivation hashes stable host attributes; when none are available it
// falls back to a random id, which is NOT stable across reinstall — a known
// limitation of the fallback path.
func (r *IdentityResolver) DeviceID() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, found, err := r.store.Identity(identityKeyDeviceID); err != nil {
		return "", err
	} else if found {
		return id, nil
	}

	attrs := hostAttributes()
	var id string
	if len(attrs) == 0 {
		id = strings.ReplaceAll(uuid.NewString(), "-", "")
	} else {
		id = hashAttributes(attrs, 32)
	}

	return r.store.StoreIdentityIfAbsent(identityKeyDeviceID, id)
}

// Fingerprint returns the coarser cross-install hash. Derived from a narrower,
// more stable attribute set; used only for fraud heuristics, never as a key.
func (r *IdentityResolver) Fingerprint() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if fp, found, err := r.store.Identity(identityKeyFingerprint); err != nil {
		return "", err
	} else if found {
		return fp, nil
	}

	attrs := stableAttributes()
	var fp string
	if len(attrs) == 0 {
		fp = strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	} else {
		fp = hashAttributes(attrs, 16)
	}

	return r.store.StoreIdentityIfAbsent(identityKeyFingerprint, fp)
}

// hostAttributes collects everything stable about this installation. None of
// these values change between launches.
func hostAttributes() []string {
	var attrs []string
	attrs = append(attrs, stableAttributes()...)

	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		attrs = append(attrs, "host:"+hostname)
	}

	if ifaces, err := net.Interfaces(); err == nil {
		var macs []string
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			if mac := iface.HardwareAddr.String(); mac != "" {
				macs = append(macs, mac)
			}
		}
		sort.Strings(macs)
		for _, mac := range macs {
			attrs = append(attrs, "mac:"+mac)
		}
	}

	return attrs
}

// stableAttributes is the narrower set surviving OS reinstalls on most
// platforms: machine id plus OS/arch.
func stableAttributes() []string {
	var attrs []string
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if raw, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(raw)); id != "" {
				attrs = append(attrs, "machine:"+id)
				break
			}
		}
	}
	if len(attrs) > 0 {
		attrs = append(attrs, "os:"+runtime.GOOS+"/"+runtime.GOARCH)
	}
	return attrs
}

func hashAttributes(attrs []string, length int) string {
	sum := sha256.Sum256([]byte(strings.Join(attrs, "|")))
	return hex.EncodeToString(sum[:])[:length]
}
