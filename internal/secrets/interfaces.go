package secrets

import "context"

// URLDecryptor resolves an encrypted/stored reference into a plaintext
// database URL. The engine treats it as an opaque collaborator: credentials
// never pass through any other interface.
type URLDecryptor interface {
	// DecryptURL resolves the database URL stored at pathOrID, reading the
	// value under urlKey within the secret data.
	DecryptURL(ctx context.Context, pathOrID, urlKey string) (string, error)

	// IsEnabled reports whether this backend is configured and usable.
	IsEnabled() bool
}
