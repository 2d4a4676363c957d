// Package question stores single questions and lists them back, and forwards search queries to the search backend.
package question

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/victornm/quizbank/internal/docstore"
	"github.com/victornm/quizbank/internal/domain"
	"github.com/victornm/quizbank/internal/errors"
	"github.com/victornm/quizbank/internal/event"
)

// Searcher queries the search backend.
type Searcher interface {
	QuestionOfTheDay(ctx context.Context) (*domain.Question, error)
	Search(ctx context.Context, startRow, pageSize int, criteria domain.SearchCriteria) (*domain.SearchResults, error)
}

type Config struct {
	Docs     docstore.Store
	Search   Searcher
	EventBus *event.Bus
}

type Service struct {
	docs   docstore.Store
	search Searcher
	eb     *event.Bus
	now    func() time.Time
}

func NewService(c Config) *Service {
	return &Service{
		docs:   c.Docs,
		search: c.Search,
		eb:     c.EventBus,
		now:    time.Now,
	}
}

// SaveQuestion writes a question to the unpublished collection. A question without an id gets a new one
// and only then is question.add_succeeded published. Saving with an existing id overwrites that document,
// unless the question is already published, which is a FailedPrecondition.
//
// Saved questions are always UNPUBLISHED, status changes go through moderation. Resaving a rejected
// question puts it back into review and releases its count on the bulk upload.
func (s *Service) SaveQuestion(ctx context.Context, q domain.Question) (*domain.Question, error) {
	status, err := domain.ParseQuestionStatus(string(q.Status))
	if err != nil {
		return nil, errors.InvalidArgument("invalid question: %v", err)
	}
	if status != domain.StatusUnpublished {
		return nil, errors.InvalidArgument("questions are saved %s, got status %s", domain.StatusUnpublished, status)
	}
	q.Status = status
	q.Reason = ""

	if err := domain.ValidateQuestion(&q); err != nil {
		return nil, errors.InvalidArgument("invalid question: %v", err)
	}

	c := q.Clone()
	created := c.ID == ""
	if created {
		c.ID = s.docs.GenerateID()
	}
	if c.CreatedOn.IsZero() {
		c.CreatedOn = s.now()
	}

	err = s.docs.RunTransaction(ctx, func(_ context.Context, tx docstore.Txn) error {
		if created {
			return tx.Set(docstore.UnpublishedQuestion(c.ID), c)
		}

		err := tx.Get(docstore.Question(c.ID), &domain.Question{})
		if err == nil {
			return errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("question %s is already published", c.ID))
		}
		if !stderrors.Is(err, docstore.ErrNotFound) {
			return err
		}

		var prev domain.Question
		err = tx.Get(docstore.UnpublishedQuestion(c.ID), &prev)
		if err != nil && !stderrors.Is(err, docstore.ErrNotFound) {
			return err
		}

		var info domain.BulkUploadFileInfo
		release := err == nil && prev.Status == domain.StatusRejected && prev.BulkUploadID != ""
		if release {
			err := tx.Get(docstore.BulkUpload(prev.BulkUploadID), &info)
			switch {
			case stderrors.Is(err, docstore.ErrNotFound):
				release = false
			case err != nil:
				return err
			}
		}

		if err := tx.Set(docstore.UnpublishedQuestion(c.ID), c); err != nil {
			return err
		}
		if release && info.Rejected > 0 {
			info.Rejected--
			return tx.Set(docstore.BulkUpload(prev.BulkUploadID), info)
		}
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}

	slog.InfoContext(ctx, "question: saved", "question_id", c.ID, "created", created)

	if created {
		s.eb.Publish(ctx, domain.EventQuestionAddSucceeded{
			CreatedUID:  c.CreatedUID,
			QuestionIDs: []string{c.ID},
		})
	}

	return c, nil
}

// UserQuestions lists the questions a user created, either published or still under review.
func (s *Service) UserQuestions(ctx context.Context, userID string, published bool) ([]domain.Question, error) {
	if userID == "" {
		return nil, errors.InvalidArgument("user id is required")
	}

	return s.find(ctx, published, docstore.Filter{"created_uid": userID})
}

// BulkUploadQuestions lists the questions that came from one bulk upload.
func (s *Service) BulkUploadQuestions(ctx context.Context, info domain.BulkUploadFileInfo, published bool) ([]domain.Question, error) {
	if info.ID == "" || info.CreatedUID == "" {
		return nil, errors.InvalidArgument("bulk upload id and creator are required")
	}

	return s.find(ctx, published, docstore.Filter{
		"created_uid":  info.CreatedUID,
		"bulkUploadId": info.ID,
	})
}

func (s *Service) UnpublishedQuestions(ctx context.Context) ([]domain.Question, error) {
	return s.find(ctx, false, nil)
}

func (s *Service) QuestionOfTheDay(ctx context.Context) (*domain.Question, error) {
	return s.search.QuestionOfTheDay(ctx)
}

func (s *Service) Search(ctx context.Context, startRow, pageSize int, criteria domain.SearchCriteria) (*domain.SearchResults, error) {
	return s.search.Search(ctx, startRow, pageSize, criteria)
}

func (s *Service) find(ctx context.Context, published bool, filter docstore.Filter) ([]domain.Question, error) {
	collection := docstore.CollectionUnpublishedQuestions
	if published {
		collection = docstore.CollectionQuestions
	}

	qs, err := docstore.FindAll[domain.Question](ctx, s.docs, collection, filter)
	if err != nil {
		return nil, errors.New(errors.CodeUnavailable,
			errors.WithMessagef("list %s failed", collection),
			errors.WithCause(err))
	}
	if qs == nil {
		qs = []domain.Question{}
	}

	return qs, nil
}

func translate(err error) error {
	var e *errors.Error
	switch {
	case stderrors.As(err, &e):
		return e
	case stderrors.Is(err, docstore.ErrAborted):
		return errors.New(errors.CodeAborted,
			errors.WithMessagef("question was modified concurrently, retry"),
			errors.WithCause(err))
	}

	return errors.New(errors.CodeUnavailable, errors.WithCause(err))
}
