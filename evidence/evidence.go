/*
Package evidence stores proof-of-payment documents.

PURPOSE:
  Ledger records reference evidence by key only. The document itself lives
  in a content store (local directory, Google Cloud Storage, or memory for
  tests). Retrieval is never a permanent public URL: callers get a signed,
  time-limited token from Signer and redeem it to download.

KEY CONVENTION:
  {memberId}/{planId}/{slotDescriptor}_{uuid}.{ext}

  e.g. m-17/plan-2024/2024_05_3f2a....pdf

ORPHANS:
  A document uploaded for a ledger insert that then fails is left behind.
  Nothing cleans it up.

SEE ALSO:
  - file.go, gcs.go, memory.go: Store implementations
  - signer.go: Signed retrieval tokens
*/
package evidence

import (
	"context"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/warp/dues-engine/generic"
)

// Upload is a document as received from a client.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

func (u Upload) Empty() bool { return len(u.Data) == 0 }

// Object is a stored document.
type Object struct {
	Key         string
	ContentType string
	Data        []byte
}

type Store interface {
	Put(ctx context.Context, key string, u Upload) error
	// Get returns *generic.NotFoundError when the key does not exist.
	Get(ctx context.Context, key string) (Object, error)
	// Delete is a no-op for missing keys.
	Delete(ctx context.Context, key string) error
}

// ObjectKey builds the storage key for one slot's document.
func ObjectKey(memberID generic.MemberID, planID generic.PlanID, slot generic.Slot, filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if ext == "" || len(ext) > 8 {
		ext = "bin"
	}
	name := slot.Descriptor() + "_" + uuid.NewString() + "." + ext
	return path.Join(safeSegment(string(memberID)), safeSegment(string(planID)), name)
}

// safeSegment keeps a path segment from escaping its directory.
func safeSegment(s string) string {
	s = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
	if s == "" {
		return "_"
	}
	return s
}

// ContentTypeFor guesses a content type from the key's extension.
func ContentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	default:
		return "application/octet-stream"
	}
}
