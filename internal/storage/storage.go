// Package storage persists the document text outside the process. Saves are
// explicit (an API call or the autosave service), never per edit.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrNotFound is returned by Load when nothing was saved under the id.
var ErrNotFound = errors.New("document not found")

type Store interface {
	Save(ctx context.Context, documentID, content string) error
	Load(ctx context.Context, documentID string) (string, error)
}

// HashContent returns the hex SHA-256 of content.
func HashContent(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}
