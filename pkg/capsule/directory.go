package capsule

import (
	"crypto/rsa"
	"sync"

	"github.com/datapact/core/pkg/errs"
)

// KeyDirectory resolves the public keys capsule handling needs: the
// Ed25519 signing key registered for a DS device and the RSA wrapping key
// registered for a requester.
type KeyDirectory interface {
	DevicePublicKey(deviceID string) (string, error)
	RequesterWrappingKey(requesterID string) (*rsa.PublicKey, error)
}

// MemoryKeyDirectory is the in-process directory. Device runtimes and
// requester onboarding register keys before any capsule flows.
type MemoryKeyDirectory struct {
	mu         sync.RWMutex
	devices    map[string]string
	requesters map[string]*rsa.PublicKey
}

// NewMemoryKeyDirectory returns an empty directory.
func NewMemoryKeyDirectory() *MemoryKeyDirectory {
	return &MemoryKeyDirectory{
		devices:    make(map[string]string),
		requesters: make(map[string]*rsa.PublicKey),
	}
}

// RegisterDevice binds a device id to its hex Ed25519 public key.
// Re-registration replaces the key; device key rotation goes through here.
func (d *MemoryKeyDirectory) RegisterDevice(deviceID, publicKeyHex string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices[deviceID] = publicKeyHex
}

// RegisterRequester binds a requester id to its RSA wrapping key.
func (d *MemoryKeyDirectory) RegisterRequester(requesterID string, pub *rsa.PublicKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requesters[requesterID] = pub
}

func (d *MemoryKeyDirectory) DevicePublicKey(deviceID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	pub, ok := d.devices[deviceID]
	if !ok {
		return "", errs.Newf(errs.KindNotFound, "CAPSULE_011", "no signing key registered for device %s", deviceID)
	}
	return pub, nil
}

func (d *MemoryKeyDirectory) RequesterWrappingKey(requesterID string) (*rsa.PublicKey, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	pub, ok := d.requesters[requesterID]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "CAPSULE_012", "no wrapping key registered for requester %s", requesterID)
	}
	return pub, nil
}
