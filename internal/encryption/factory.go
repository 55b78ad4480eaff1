package encryption

import (
	"fmt"

	"propsync/internal/config"
	"propsync/internal/propsync"
)

// NewKeyringFromConfig creates a Keyring based on the configuration type.
// Type "none" returns a nil Keyring: cache values are stored unsealed.
func NewKeyringFromConfig(cfg config.EncryptionConfig) (propsync.Keyring, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "age":
		return NewAgeKeyring(cfg), nil
	case "test":
		return NewTestKeyring(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
