// Package blob stores uploaded source files.
package blob

import (
	"context"
	"fmt"
	"io"
)

// Reference identifies a stored object.
type Reference struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	ETag   string `json:"etag"`
	Size   int64  `json:"size"`
}

// Store uploads a blob in a single call. There is no partial or progress reporting.
type Store interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) (Reference, error)
}

// Key returns the object key of a bulk upload source file.
func Key(creatorID, bulkUploadID, fileName string) string {
	return fmt.Sprintf("bulk_upload/%s/%s-%s", creatorID, bulkUploadID, fileName)
}
