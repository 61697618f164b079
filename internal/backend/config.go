package backend

import (
	"crypto/rand"
	"fmt"
	"log/slog"

	"carbook/internal/config"
)

// PublicReceiptsPrefix is where a public local bucket is served from.
const PublicReceiptsPrefix = "/public/receipts"

// SignedReceiptsPrefix is where signed receipt links point.
const SignedReceiptsPrefix = "/receipts"

// resolverCacheSize bounds the signed link cache.
const resolverCacheSize = 1024

// SigningKey returns the configured receipt signing key, or a random one
// when none is set. Random keys invalidate links on every restart.
func SigningKey(cfg *config.Config, logger *slog.Logger) ([]byte, error) {
	if cfg.ReceiptsSigningKey != "" {
		return []byte(cfg.ReceiptsSigningKey), nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	logger.Warn("RECEIPTS_SIGNING_KEY not set, using an ephemeral key; receipt links break on restart")
	return key, nil
}

// GetBlobTypes returns all valid blob types
func GetBlobTypes() []BlobType {
	return []BlobType{LocalBlob, GCSBlob}
}

// GetBlobTypeStrings returns all valid blob type strings
func GetBlobTypeStrings() []string {
	types := GetBlobTypes()
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = t.String()
	}
	return out
}
