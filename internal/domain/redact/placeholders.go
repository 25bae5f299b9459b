// Package redact implements deterministic, structure-preserving redaction of
// PII and secrets over JSON-like values. Detection is fully offline and
// idempotent: running the engine over its own output is a no-op.
package redact

import "regexp"

// Entity types produced by the PII detectors.
const (
	EntityEmail         = "EMAIL_ADDRESS"
	EntitySSN           = "US_SSN"
	EntityCreditCard    = "CREDIT_CARD"
	EntityIPAddress     = "IP_ADDRESS"
	EntityURL           = "URL"
	EntityPassport      = "US_PASSPORT"
	EntityDriverLicense = "US_DRIVER_LICENSE"
	EntityCrypto        = "CRYPTO_ADDRESS"
	EntityIBAN          = "IBAN"
	EntityPhone         = "PHONE_NUMBER"
)

// piiPlaceholders maps entity types to their redaction placeholders.
// The mapping is fixed; new detectors must be added here as well.
var piiPlaceholders = map[string]string{
	EntityCreditCard:    "[REDACTED-CREDIT-CARD]",
	EntityCrypto:        "[REDACTED-CRYPTO]",
	EntityEmail:         "[REDACTED-EMAIL]",
	EntityIBAN:          "[REDACTED-IBAN]",
	EntityIPAddress:     "[REDACTED-IP]",
	EntityURL:           "[REDACTED-URL]",
	EntityDriverLicense: "[REDACTED-DRIVER-LICENSE]",
	EntityPassport:      "[REDACTED-PASSPORT]",
	EntitySSN:           "[REDACTED-SSN]",
	EntityPhone:         "[REDACTED-PHONE]",
}

// defaultPlaceholder is used for entity types without a dedicated placeholder.
const defaultPlaceholder = "[REDACTED-PII]"

// secretsPlaceholder replaces every secret category (tokens, keys, JWTs).
const secretsPlaceholder = "[REDACTED-SECRET]"

// placeholderPattern recognizes already-applied placeholders so a second
// pass never redacts inside them.
var placeholderPattern = regexp.MustCompile(`\[REDACTED-[A-Z-]+\]`)

// zeroWidthChars are stripped before detection so they cannot be used to
// split a sensitive token.
var zeroWidthChars = []rune{'\u200b', '\u200c', '\u200d', '\ufeff'}

func placeholderFor(entityType string) string {
	if p, ok := piiPlaceholders[entityType]; ok {
		return p
	}
	return defaultPlaceholder
}
