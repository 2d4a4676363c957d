// Package docstore defines the document store the question pipeline persists into.
//
// Documents are addressed by Path, rendered as /{collection}/{id}. Implementations live in the
// redisstore, pgstore and mongostore subpackages and must keep these path names bit-exact.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	CollectionUnpublishedQuestions = "unpublished_questions"
	CollectionQuestions            = "questions"
	CollectionBulkUploads          = "bulk_uploads"
)

var (
	// ErrNotFound is returned when the addressed document does not exist.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrAborted is returned when a transaction lost a conflict and none of its writes were applied.
	ErrAborted = errors.New("docstore: transaction aborted")
	// ErrReadAfterWrite is returned by Txn.Get after the transaction already buffered a write.
	ErrReadAfterWrite = errors.New("docstore: transaction reads must precede writes")
)

// Path addresses one document.
type Path struct {
	Collection string
	ID         string
}

func (p Path) String() string {
	return "/" + p.Collection + "/" + p.ID
}

// Valid reports whether both parts are set and contain no separator.
func (p Path) Valid() bool {
	return p.Collection != "" && p.ID != "" &&
		!strings.Contains(p.Collection, "/") && !strings.Contains(p.ID, "/")
}

func UnpublishedQuestion(id string) Path {
	return Path{Collection: CollectionUnpublishedQuestions, ID: id}
}

func Question(id string) Path {
	return Path{Collection: CollectionQuestions, ID: id}
}

func BulkUpload(id string) Path {
	return Path{Collection: CollectionBulkUploads, ID: id}
}

// parsePath parses "/{collection}/{id}".
func parsePath(s string) (Path, error) {
	parts := strings.Split(strings.TrimPrefix(s, "/"), "/")
	if !strings.HasPrefix(s, "/") || len(parts) != 2 {
		return Path{}, fmt.Errorf("docstore: malformed path %q", s)
	}

	p := Path{Collection: parts[0], ID: parts[1]}
	if !p.Valid() {
		return Path{}, fmt.Errorf("docstore: malformed path %q", s)
	}

	return p, nil
}

// Filter matches documents whose top-level string fields equal the given values.
type Filter map[string]string

// Decoder decodes the current document into dst.
type Decoder func(dst any) error

// Store is a durable document store with single-document CRUD and multi-document transactions.
type Store interface {
	// GenerateID allocates a new unique document id without writing anything.
	GenerateID() string
	Get(ctx context.Context, p Path, dst any) error
	Set(ctx context.Context, p Path, doc any) error
	Delete(ctx context.Context, p Path) error
	// Find calls fn once per document of collection matching filter.
	Find(ctx context.Context, collection string, filter Filter, fn func(Decoder) error) error
	// RunTransaction runs fn atomically: either every write fn makes becomes visible, or none does.
	// fn may be invoked more than once by stores that retry internally.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Txn) error) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Txn is a transaction handle. All reads must happen before the first write.
type Txn interface {
	Get(p Path, dst any) error
	Set(p Path, doc any) error
	Delete(p Path) error
}

// NewID returns a time-ordered unique id.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FindAll collects every document of collection matching filter.
func FindAll[T any](ctx context.Context, s Store, collection string, filter Filter) ([]T, error) {
	var out []T
	err := s.Find(ctx, collection, filter, func(decode Decoder) error {
		var v T
		if err := decode(&v); err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}
