package kagami

import "strings"

const hexDigits = "0123456789abcdefABCDEF"

// base58 alphabet used by Solana signatures (no 0, O, I, l).
const base58Digits = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// ValidateTxHash performs basic validation on a transaction identifier.
// EVM hashes must be 0x-prefixed 32-byte hex; anything else is treated as a
// base58 signature (Solana) and checked for charset and plausible length.
// Chain-specific strict parsing happens inside the verifiers.
func ValidateTxHash(txHash string) error {
	if txHash == "" {
		return NewValidationError("transaction hash is required")
	}
	if strings.HasPrefix(txHash, "0x") {
		body := txHash[2:]
		if len(body) != 64 {
			return NewValidationError("malformed transaction hash: %q", txHash)
		}
		for _, c := range body {
			if !strings.ContainsRune(hexDigits, c) {
				return NewValidationError("malformed transaction hash: %q", txHash)
			}
		}
		return nil
	}
	if len(txHash) < 32 || len(txHash) > 96 {
		return NewValidationError("malformed transaction signature: %q", txHash)
	}
	for _, c := range txHash {
		if !strings.ContainsRune(base58Digits, c) {
			return NewValidationError("malformed transaction signature: %q", txHash)
		}
	}
	return nil
}

// ValidateChain performs basic validation on a chain identifier
// (e.g. "base", "ethereum", "solana", "eip155:8453").
func ValidateChain(chain string) error {
	if chain == "" {
		return NewValidationError("chain identifier is required")
	}
	if len(chain) > 32 {
		return NewValidationError("chain identifier too long: %q", chain)
	}
	for _, c := range chain {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == ':' || c == '-' || c == '_':
		default:
			return NewValidationError("malformed chain identifier: %q", chain)
		}
	}
	return nil
}
