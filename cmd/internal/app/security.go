package app

import (
	"errors"

	"wren/cmd/identity"
)

// ValidateSecurityConfig enforces the credential-hashing policy at startup.
//
// Fail-fast: when WREN_REQUIRE_CREDENTIAL_HMAC is set, a missing or weak key
// must stop the process instead of silently storing unkeyed digests.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireCredentialHMAC {
		return nil
	}

	// Minimum 32 bytes for an HMAC-SHA256 secret; the key is used as raw
	// bytes, so bytes are measured, not runes.
	if _, err := identity.HMACKeyFromEnv(32); err != nil {
		switch {
		case errors.Is(err, identity.ErrHMACKeyMissing):
			return errors.New("security policy: WREN_REQUIRE_CREDENTIAL_HMAC=true but WREN_CREDENTIAL_HMAC_KEY is missing")
		case errors.Is(err, identity.ErrHMACKeyTooShort):
			return errors.New("security policy: WREN_REQUIRE_CREDENTIAL_HMAC=true but WREN_CREDENTIAL_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}

	if !identity.HMACEnabled() {
		return errors.New("security policy: WREN_REQUIRE_CREDENTIAL_HMAC=true but credential hashing is not in HMAC mode")
	}

	return nil
}
