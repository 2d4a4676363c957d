// Package moderation moves questions out of review: approval publishes them, rejection keeps them in the
// unpublished collection with a reason.
package moderation

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/victornm/quizbank/internal/docstore"
	"github.com/victornm/quizbank/internal/domain"
	"github.com/victornm/quizbank/internal/errors"
	"github.com/victornm/quizbank/internal/event"
	"github.com/victornm/quizbank/internal/telemetry"
)

const defaultTimeout = 10 * time.Second

var errAlreadyRejected = errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("question is already rejected"))

type Config struct {
	Docs     docstore.Store
	EventBus *event.Bus
	// Timeout bounds one moderation transaction.
	Timeout time.Duration
}

type Service struct {
	docs    docstore.Store
	eb      *event.Bus
	timeout time.Duration
}

func NewService(c Config) *Service {
	s := &Service{
		docs:    c.Docs,
		eb:      c.EventBus,
		timeout: c.Timeout,
	}

	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}

	return s
}

type ApproveRequest struct {
	QuestionID string
	ApprovedBy string
}

// Approve moves a question from the unpublished to the published collection in one transaction and
// counts it on its bulk upload. Approving a rejected question is allowed and moves its count from
// rejected to approved.
//
// A question that is not unpublished, including one approved before, is NotFound. A transaction that
// lost a conflict is Aborted and leaves everything unchanged.
func (s *Service) Approve(ctx context.Context, req ApproveRequest) (*domain.Question, error) {
	if req.QuestionID == "" {
		return nil, errors.InvalidArgument("question id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var approved domain.Question
	err := s.docs.RunTransaction(ctx, func(_ context.Context, tx docstore.Txn) error {
		var q domain.Question
		if err := tx.Get(docstore.UnpublishedQuestion(req.QuestionID), &q); err != nil {
			return err
		}

		info, found, err := bulkUpload(tx, q.BulkUploadID)
		if err != nil {
			return err
		}

		wasRejected := q.Status == domain.StatusRejected
		q.Status = domain.StatusApproved
		q.Reason = ""

		if err := tx.Set(docstore.Question(q.ID), q); err != nil {
			return err
		}
		if err := tx.Delete(docstore.UnpublishedQuestion(q.ID)); err != nil {
			return err
		}

		if found {
			info.Approved++
			if wasRejected && info.Rejected > 0 {
				info.Rejected--
			}
			if err := tx.Set(docstore.BulkUpload(info.ID), info); err != nil {
				return err
			}
		}

		approved = q
		return nil
	})
	if err != nil {
		telemetry.ModerationDecisions.WithLabelValues("approve", outcome(err)).Inc()
		return nil, translate(err, req.QuestionID)
	}

	telemetry.ModerationDecisions.WithLabelValues("approve", "ok").Inc()
	slog.InfoContext(ctx, "moderation: question approved",
		"question_id", approved.ID,
		"bulk_upload_id", approved.BulkUploadID,
		"approved_by", req.ApprovedBy,
	)

	s.eb.Publish(ctx, domain.EventQuestionApproved{
		Question:   approved,
		ApprovedBy: req.ApprovedBy,
	})

	return &approved, nil
}

type RejectRequest struct {
	QuestionID string
	Reason     string
}

// Reject marks an unpublished question REJECTED in place and counts it on its bulk upload. Rejecting a
// question twice is a FailedPrecondition and changes nothing.
func (s *Service) Reject(ctx context.Context, req RejectRequest) (*domain.Question, error) {
	if req.QuestionID == "" {
		return nil, errors.InvalidArgument("question id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rejected domain.Question
	err := s.docs.RunTransaction(ctx, func(_ context.Context, tx docstore.Txn) error {
		var q domain.Question
		if err := tx.Get(docstore.UnpublishedQuestion(req.QuestionID), &q); err != nil {
			return err
		}
		if q.Status == domain.StatusRejected {
			return errAlreadyRejected
		}

		info, found, err := bulkUpload(tx, q.BulkUploadID)
		if err != nil {
			return err
		}

		q.Status = domain.StatusRejected
		q.Reason = req.Reason
		if err := tx.Set(docstore.UnpublishedQuestion(q.ID), q); err != nil {
			return err
		}

		if found {
			info.Rejected++
			if err := tx.Set(docstore.BulkUpload(info.ID), info); err != nil {
				return err
			}
		}

		rejected = q
		return nil
	})
	if err != nil {
		telemetry.ModerationDecisions.WithLabelValues("reject", outcome(err)).Inc()
		return nil, translate(err, req.QuestionID)
	}

	telemetry.ModerationDecisions.WithLabelValues("reject", "ok").Inc()
	slog.InfoContext(ctx, "moderation: question rejected",
		"question_id", rejected.ID,
		"bulk_upload_id", rejected.BulkUploadID,
	)

	s.eb.Publish(ctx, domain.EventQuestionRejected{Question: rejected})

	return &rejected, nil
}

// bulkUpload reads the bulk upload a question came from. A question without one, or whose record is
// gone, is not counted anywhere.
func bulkUpload(tx docstore.Txn, id string) (domain.BulkUploadFileInfo, bool, error) {
	var info domain.BulkUploadFileInfo
	if id == "" {
		return info, false, nil
	}

	err := tx.Get(docstore.BulkUpload(id), &info)
	if stderrors.Is(err, docstore.ErrNotFound) {
		return info, false, nil
	}
	if err != nil {
		return info, false, err
	}

	if info.ID == "" {
		info.ID = id
	}
	return info, true, nil
}

func translate(err error, questionID string) error {
	var e *errors.Error
	switch {
	case stderrors.As(err, &e):
		return e
	case stderrors.Is(err, docstore.ErrNotFound):
		return errors.NotFound("question %s is not awaiting moderation", questionID)
	case stderrors.Is(err, docstore.ErrAborted):
		return errors.New(errors.CodeAborted,
			errors.WithMessagef("question %s was modified concurrently, retry", questionID),
			errors.WithCause(err))
	}

	return errors.New(errors.CodeUnavailable, errors.WithCause(err))
}

func outcome(err error) string {
	switch {
	case stderrors.Is(err, docstore.ErrNotFound):
		return "not_found"
	case stderrors.Is(err, docstore.ErrAborted):
		return "aborted"
	case errors.Is(err, errors.CodeFailedPrecondition):
		return "rejected_twice"
	}
	return "error"
}
