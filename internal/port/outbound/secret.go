package outbound

// SecretStore encrypts secrets at rest. Sealed values are opaque strings
// safe to store in a text column.
type SecretStore interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}
