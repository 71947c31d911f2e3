// Package solana provides key validation and program-derived-address
// helpers for discovery feeds.
package solana

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// PumpFunProgramID is the pump.fun bonding curve program.
const PumpFunProgramID = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"

// ErrInvalidPubkey is returned for strings that are not 32-byte base58 keys.
var ErrInvalidPubkey = errors.New("invalid pubkey")

// ValidatePubkey checks that s decodes to a 32-byte base58 public key.
func ValidatePubkey(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPubkey)
	}
	decoded, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPubkey, err)
	}
	if len(decoded) != 32 {
		return fmt.Errorf("%w: %d bytes", ErrInvalidPubkey, len(decoded))
	}
	return nil
}

// IsOnCurve reports whether the 32-byte point lies on the ed25519 curve.
// Program-derived addresses are always off-curve.
func IsOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}

// DerivePDA derives a program address from the seeds:
// sha256(seeds || bump || programID || "ProgramDerivedAddress") for the
// first bump from 255 down that lands off-curve.
func DerivePDA(seeds [][]byte, programID []byte) (string, error) {
	for bump := byte(255); bump > 0; bump-- {
		data := make([]byte, 0)
		for _, seed := range seeds {
			data = append(data, seed...)
		}
		data = append(data, bump)
		data = append(data, programID...)
		data = append(data, []byte("ProgramDerivedAddress")...)

		hash := sha256.Sum256(data)

		if !IsOnCurve(hash[:]) {
			return base58.Encode(hash[:]), nil
		}
	}
	return "", errors.New("no off-curve bump found")
}

// DeriveBondingCurve derives the pump.fun bonding curve account for a mint.
// Seeds: ["bonding-curve", mint].
func DeriveBondingCurve(mint string) (string, error) {
	mintBytes, err := base58.Decode(mint)
	if err != nil {
		return "", fmt.Errorf("decode mint: %w", err)
	}
	if len(mintBytes) != 32 {
		return "", fmt.Errorf("%w: mint is %d bytes", ErrInvalidPubkey, len(mintBytes))
	}
	programBytes, err := base58.Decode(PumpFunProgramID)
	if err != nil {
		return "", fmt.Errorf("decode program id: %w", err)
	}

	seeds := [][]byte{
		[]byte("bonding-curve"),
		mintBytes,
	}
	pda, err := DerivePDA(seeds, programBytes)
	if err != nil {
		return "", fmt.Errorf("derive bonding curve: %w", err)
	}
	return pda, nil
}
