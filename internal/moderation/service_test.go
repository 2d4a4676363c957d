package moderation_test

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizbank/internal/docstore"
	"github.com/victornm/quizbank/internal/docstore/redisstore"
	"github.com/victornm/quizbank/internal/domain"
	"github.com/victornm/quizbank/internal/errors"
	"github.com/victornm/quizbank/internal/event"
	"github.com/victornm/quizbank/internal/moderation"
)

func TestService_Approve(t *testing.T) {
	tests := map[string]struct {
		arrange func(t *testing.T, e *env)
		assert  func(t *testing.T, e *env, q *domain.Question, err error)
	}{
		"approved question should move to the published collection": {
			arrange: func(t *testing.T, e *env) {
				e.put(t, docstore.UnpublishedQuestion("q1"), question("q1", ""))
			},
			assert: func(t *testing.T, e *env, q *domain.Question, err error) {
				require.NoError(t, err)
				assert.Equal(t, domain.StatusApproved, q.Status)

				var published domain.Question
				require.NoError(t, e.docs.Get(context.Background(), docstore.Question("q1"), &published))
				assert.Equal(t, domain.StatusApproved, published.Status)
				assert.Equal(t, "What?", published.QuestionText)

				assert.ErrorIs(t, e.docs.Get(context.Background(), docstore.UnpublishedQuestion("q1"), &domain.Question{}), docstore.ErrNotFound)

				events := e.events()
				require.Len(t, events, 1)
				ev := events[0].(domain.EventQuestionApproved)
				assert.Equal(t, "q1", ev.Question.ID)
				assert.Equal(t, "mod", ev.ApprovedBy)
			},
		},

		"approval should count on the bulk upload": {
			arrange: func(t *testing.T, e *env) {
				e.put(t, docstore.BulkUpload("b1"), domain.BulkUploadFileInfo{ID: "b1", CreatedUID: "u1", Approved: 1, Rejected: 0})
				e.put(t, docstore.UnpublishedQuestion("q1"), question("q1", "b1"))
			},
			assert: func(t *testing.T, e *env, _ *domain.Question, err error) {
				require.NoError(t, err)
				info := e.bulkUpload(t, "b1")
				assert.Equal(t, 2, info.Approved)
				assert.Equal(t, 0, info.Rejected)
			},
		},

		"approving a rejected question should move its count": {
			arrange: func(t *testing.T, e *env) {
				e.put(t, docstore.BulkUpload("b1"), domain.BulkUploadFileInfo{ID: "b1", CreatedUID: "u1", Rejected: 1})
				q := question("q1", "b1")
				q.Status = domain.StatusRejected
				q.Reason = "typo"
				e.put(t, docstore.UnpublishedQuestion("q1"), q)
			},
			assert: func(t *testing.T, e *env, q *domain.Question, err error) {
				require.NoError(t, err)
				assert.Empty(t, q.Reason)
				info := e.bulkUpload(t, "b1")
				assert.Equal(t, 1, info.Approved)
				assert.Equal(t, 0, info.Rejected)
			},
		},

		"missing bulk upload record should not fail the approval": {
			arrange: func(t *testing.T, e *env) {
				e.put(t, docstore.UnpublishedQuestion("q1"), question("q1", "gone"))
			},
			assert: func(t *testing.T, e *env, _ *domain.Question, err error) {
				require.NoError(t, err)
				assert.ErrorIs(t, e.docs.Get(context.Background(), docstore.BulkUpload("gone"), &domain.BulkUploadFileInfo{}), docstore.ErrNotFound)
			},
		},

		"missing question should be not found": {
			arrange: func(*testing.T, *env) {},
			assert: func(t *testing.T, e *env, _ *domain.Question, err error) {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.CodeNotFound))
				assert.Empty(t, e.events())
			},
		},

		"conflicting write should abort without partial mutation": {
			arrange: func(t *testing.T, e *env) {
				e.put(t, docstore.BulkUpload("b1"), domain.BulkUploadFileInfo{ID: "b1", CreatedUID: "u1"})
				e.put(t, docstore.UnpublishedQuestion("q1"), question("q1", "b1"))
				e.docs.interfere = func() {
					// another writer touches the question after the transaction read it
					raw, err := e.mr.Get("test:/unpublished_questions/q1")
					require.NoError(t, err)
					require.NoError(t, e.mr.Set("test:/unpublished_questions/q1", raw))
				}
			},
			assert: func(t *testing.T, e *env, _ *domain.Question, err error) {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.CodeAborted))

				var q domain.Question
				require.NoError(t, e.docs.Get(context.Background(), docstore.UnpublishedQuestion("q1"), &q))
				assert.Equal(t, domain.StatusUnpublished, q.Status)
				assert.ErrorIs(t, e.docs.Get(context.Background(), docstore.Question("q1"), &domain.Question{}), docstore.ErrNotFound)
				assert.Equal(t, 0, e.bulkUpload(t, "b1").Approved)
				assert.Empty(t, e.events())
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t)
			tt.arrange(t, e)

			q, err := e.svc.Approve(context.Background(), moderation.ApproveRequest{QuestionID: "q1", ApprovedBy: "mod"})
			e.bus.Stop()

			tt.assert(t, e, q, err)
		})
	}
}

func TestService_Approve_Twice(t *testing.T) {
	e := newEnv(t)
	e.put(t, docstore.UnpublishedQuestion("q1"), question("q1", ""))

	_, err := e.svc.Approve(context.Background(), moderation.ApproveRequest{QuestionID: "q1"})
	require.NoError(t, err)

	_, err = e.svc.Approve(context.Background(), moderation.ApproveRequest{QuestionID: "q1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestService_Approve_Concurrent(t *testing.T) {
	e := newEnv(t)
	e.put(t, docstore.BulkUpload("b1"), domain.BulkUploadFileInfo{ID: "b1", CreatedUID: "u1"})
	e.put(t, docstore.UnpublishedQuestion("q1"), question("q1", "b1"))

	const n = 8
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.svc.Approve(context.Background(), moderation.ApproveRequest{QuestionID: "q1"})
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, errors.CodeNotFound) || errors.Is(err, errors.CodeAborted), "got %v", err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, e.bulkUpload(t, "b1").Approved)
}

func TestService_Reject(t *testing.T) {
	tests := map[string]struct {
		arrange func(t *testing.T, e *env)
		assert  func(t *testing.T, e *env, q *domain.Question, err error)
	}{
		"rejected question should stay unpublished with a reason": {
			arrange: func(t *testing.T, e *env) {
				e.put(t, docstore.BulkUpload("b1"), domain.BulkUploadFileInfo{ID: "b1", CreatedUID: "u1"})
				e.put(t, docstore.UnpublishedQuestion("q1"), question("q1", "b1"))
			},
			assert: func(t *testing.T, e *env, q *domain.Question, err error) {
				require.NoError(t, err)
				assert.Equal(t, domain.StatusRejected, q.Status)

				var stored domain.Question
				require.NoError(t, e.docs.Get(context.Background(), docstore.UnpublishedQuestion("q1"), &stored))
				assert.Equal(t, domain.StatusRejected, stored.Status)
				assert.Equal(t, "duplicate", stored.Reason)
				assert.Equal(t, 1, e.bulkUpload(t, "b1").Rejected)

				events := e.events()
				require.Len(t, events, 1)
				assert.Equal(t, domain.EventNameQuestionRejected, events[0].Name())
			},
		},

		"rejecting twice should fail the precondition and change nothing": {
			arrange: func(t *testing.T, e *env) {
				e.put(t, docstore.BulkUpload("b1"), domain.BulkUploadFileInfo{ID: "b1", CreatedUID: "u1", Rejected: 1})
				q := question("q1", "b1")
				q.Status = domain.StatusRejected
				q.Reason = "first"
				e.put(t, docstore.UnpublishedQuestion("q1"), q)
			},
			assert: func(t *testing.T, e *env, _ *domain.Question, err error) {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.CodeFailedPrecondition))

				var stored domain.Question
				require.NoError(t, e.docs.Get(context.Background(), docstore.UnpublishedQuestion("q1"), &stored))
				assert.Equal(t, "first", stored.Reason)
				assert.Equal(t, 1, e.bulkUpload(t, "b1").Rejected)
				assert.Empty(t, e.events())
			},
		},

		"published question cannot be rejected": {
			arrange: func(t *testing.T, e *env) {
				q := question("q1", "")
				q.Status = domain.StatusApproved
				e.put(t, docstore.Question("q1"), q)
			},
			assert: func(t *testing.T, _ *env, _ *domain.Question, err error) {
				assert.True(t, errors.Is(err, errors.CodeNotFound))
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t)
			tt.arrange(t, e)

			q, err := e.svc.Reject(context.Background(), moderation.RejectRequest{QuestionID: "q1", Reason: "duplicate"})
			e.bus.Stop()

			tt.assert(t, e, q, err)
		})
	}
}

func TestService_RequiresID(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.Approve(context.Background(), moderation.ApproveRequest{})
	assert.True(t, errors.Is(err, errors.CodeInvalidArgument))

	_, err = e.svc.Reject(context.Background(), moderation.RejectRequest{})
	assert.True(t, errors.Is(err, errors.CodeInvalidArgument))
}

type env struct {
	svc  *moderation.Service
	docs *interferingStore
	mr   *miniredis.Miniredis
	bus  *event.Bus

	mu       sync.Mutex
	received []event.Event
}

func newEnv(t *testing.T) *env {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	e := &env{
		docs: &interferingStore{Store: redisstore.New(redisstore.Config{Redis: rdb, Prefix: "test"})},
		mr:   mr,
		bus:  event.NewBus(),
	}

	record := func(_ context.Context, ev event.Event) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.received = append(e.received, ev)
		return nil
	}
	e.bus.Subscribe(domain.EventNameQuestionApproved, record)
	e.bus.Subscribe(domain.EventNameQuestionRejected, record)

	e.svc = moderation.NewService(moderation.Config{Docs: e.docs, EventBus: e.bus})
	return e
}

func (e *env) put(t *testing.T, p docstore.Path, doc any) {
	t.Helper()
	require.NoError(t, e.docs.Set(context.Background(), p, doc))
}

func (e *env) bulkUpload(t *testing.T, id string) domain.BulkUploadFileInfo {
	t.Helper()
	var info domain.BulkUploadFileInfo
	require.NoError(t, e.docs.Get(context.Background(), docstore.BulkUpload(id), &info))
	return info
}

func (e *env) events() []event.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]event.Event(nil), e.received...)
}

func question(id, bulkUploadID string) domain.Question {
	return domain.Question{
		ID:           id,
		QuestionText: "What?",
		Answers: []domain.Answer{
			{ID: 1, AnswerText: "this", Correct: true},
			{ID: 2, AnswerText: "that"},
		},
		Status:       domain.StatusUnpublished,
		CreatedUID:   "u1",
		BulkUploadID: bulkUploadID,
	}
}

// interferingStore runs interfere once between a transaction's reads and its commit.
type interferingStore struct {
	docstore.Store
	interfere func()
}

func (s *interferingStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Txn) error) error {
	return s.Store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Txn) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if s.interfere != nil {
			s.interfere()
			s.interfere = nil
		}
		return nil
	})
}
