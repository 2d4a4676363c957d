// Package mongostore maps every logical collection onto a MongoDB collection, keyed by _id.
// Transactions need a replica set or sharded cluster.
package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/victornm/quizbank/internal/docstore"
)

const (
	codeWriteConflict         = 112
	labelTransientTransaction = "TransientTransactionError"
)

type Config struct {
	Client   *mongo.Client
	Database string
}

type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ docstore.Store = (*Store)(nil)

func New(c Config) *Store {
	return &Store{
		client: c.Client,
		db:     c.Client.Database(c.Database),
	}
}

func (s *Store) GenerateID() string {
	return docstore.NewID()
}

func (s *Store) Get(ctx context.Context, p docstore.Path, dst any) error {
	return s.get(ctx, p, dst)
}

func (s *Store) Set(ctx context.Context, p docstore.Path, doc any) error {
	return s.set(ctx, p, doc)
}

func (s *Store) Delete(ctx context.Context, p docstore.Path) error {
	return s.del(ctx, p)
}

func (s *Store) Find(ctx context.Context, collection string, filter docstore.Filter, fn func(docstore.Decoder) error) error {
	q := bson.M{}
	for k, v := range filter {
		q[k] = v
	}

	cur, err := s.db.Collection(collection).Find(ctx, q, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return fmt.Errorf("find %s: %w", collection, err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		if err := fn(cur.Decode); err != nil {
			return err
		}
	}

	if err := cur.Err(); err != nil {
		return fmt.Errorf("find %s: %w", collection, err)
	}

	return nil
}

// RunTransaction runs fn inside a multi-document transaction. Write conflicts are not retried.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Txn) error) (err error) {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	if err := sess.StartTransaction(); err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}

	sc := mongo.NewSessionContext(ctx, sess)
	defer func() {
		if err != nil {
			err = errors.Join(err, sess.AbortTransaction(context.WithoutCancel(ctx)))
			err = translate(err)
		}
	}()

	t := &txn{ctx: sc, s: s}
	if err = fn(sc, t); err != nil {
		return err
	}

	for _, w := range t.writes {
		if err = w(); err != nil {
			return err
		}
	}

	return sess.CommitTransaction(sc)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) get(ctx context.Context, p docstore.Path, dst any) error {
	err := s.db.Collection(p.Collection).FindOne(ctx, bson.M{"_id": p.ID}).Decode(dst)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("get %s: %w", p, docstore.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", p, err)
	}

	return nil
}

func (s *Store) set(ctx context.Context, p docstore.Path, doc any) error {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p, err)
	}

	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("encode %s: %w", p, err)
	}
	m["_id"] = p.ID

	_, err = s.db.Collection(p.Collection).ReplaceOne(ctx, bson.M{"_id": p.ID}, m, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("set %s: %w", p, err)
	}

	return nil
}

func (s *Store) del(ctx context.Context, p docstore.Path) error {
	if _, err := s.db.Collection(p.Collection).DeleteOne(ctx, bson.M{"_id": p.ID}); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}

	return nil
}

func translate(err error) error {
	var se mongo.ServerError
	if errors.As(err, &se) && (se.HasErrorCode(codeWriteConflict) || se.HasErrorLabel(labelTransientTransaction)) {
		return fmt.Errorf("%w: %v", docstore.ErrAborted, err)
	}
	return err
}

type txn struct {
	ctx    context.Context
	s      *Store
	writes []func() error
}

func (t *txn) Get(p docstore.Path, dst any) error {
	if len(t.writes) > 0 {
		return docstore.ErrReadAfterWrite
	}
	return t.s.get(t.ctx, p, dst)
}

func (t *txn) Set(p docstore.Path, doc any) error {
	t.writes = append(t.writes, func() error { return t.s.set(t.ctx, p, doc) })
	return nil
}

func (t *txn) Delete(p docstore.Path) error {
	t.writes = append(t.writes, func() error { return t.s.del(t.ctx, p) })
	return nil
}
