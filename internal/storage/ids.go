package storage

import (
	"github.com/google/uuid"
)

// bookNamespace scopes book row IDs so they never collide with other UUIDv5
// users of the same names.
var bookNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("shelfsync:books"))

// BookID derives the stable row ID of a user's book from its canonical key.
// Re-syncing the same book therefore always lands on the same ID.
func BookID(userID, canonicalKey string) string {
	return uuid.NewSHA1(bookNamespace, []byte(userID+"\x00"+canonicalKey)).String()
}
