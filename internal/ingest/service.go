// Package ingest implements the bulk ingestion pipeline: store the source file, record the upload, then
// commit its questions one at a time in order.
package ingest

import (
	"bytes"
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/victornm/quizbank/internal/blob"
	"github.com/victornm/quizbank/internal/docstore"
	"github.com/victornm/quizbank/internal/domain"
	"github.com/victornm/quizbank/internal/errors"
	"github.com/victornm/quizbank/internal/event"
	"github.com/victornm/quizbank/internal/telemetry"
)

const (
	defaultWriteTimeout  = 10 * time.Second
	defaultUploadTimeout = 2 * time.Minute
)

type Config struct {
	Docs     docstore.Store
	Blobs    blob.Store
	EventBus *event.Bus

	// WriteTimeout bounds every single document write.
	WriteTimeout time.Duration
	// UploadTimeout bounds the upload of the source file.
	UploadTimeout time.Duration
}

type Service struct {
	docs  docstore.Store
	blobs blob.Store
	eb    *event.Bus

	writeTimeout  time.Duration
	uploadTimeout time.Duration
	now           func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		docs:          c.Docs,
		blobs:         c.Blobs,
		eb:            c.EventBus,
		writeTimeout:  c.WriteTimeout,
		uploadTimeout: c.UploadTimeout,
		now:           time.Now,
	}

	if s.writeTimeout <= 0 {
		s.writeTimeout = defaultWriteTimeout
	}
	if s.uploadTimeout <= 0 {
		s.uploadTimeout = defaultUploadTimeout
	}

	return s
}

type SubmitBulkRequest struct {
	Upload domain.BulkUpload
}

type SubmitBulkResponse struct {
	BulkUploadID string
	FileInfo     domain.BulkUploadFileInfo
	Blob         blob.Reference
	// QuestionIDs are the ids of the committed questions, in input order.
	QuestionIDs []string
}

// SubmitBulk stores the source file, writes the bulk upload record and commits every non-nil question.
//
// Validation failures are reported before any I/O. Any later failure is a *BatchError that tells how far
// the run got, and a bulk_upload.failed event is published. The request is never mutated.
func (s *Service) SubmitBulk(ctx context.Context, req SubmitBulkRequest) (*SubmitBulkResponse, error) {
	up := req.Upload
	if err := validateUpload(up); err != nil {
		telemetry.BulkUploads.WithLabelValues("invalid").Inc()
		return nil, err
	}

	id := s.docs.GenerateID()
	creator := up.FileInfo.CreatedUID
	key := blob.Key(creator, id, up.File.Name)

	ref, err := s.upload(ctx, key, up.File)
	if err != nil {
		return nil, s.fail(ctx, &BatchError{
			Stage:        StageUpload,
			BulkUploadID: id,
			CreatedUID:   creator,
			FailedIndex:  -1,
			Err:          err,
		})
	}

	now := s.now()
	questions := s.prepare(up, id, now)

	info := up.FileInfo
	info.ID = id
	info.FileKey = ref.Key
	info.Uploaded = now
	info.Status = domain.BulkUploadStatusUnderReview
	info.Approved = 0
	info.Rejected = 0
	if info.FileName == "" {
		info.FileName = up.File.Name
	}

	if err := s.write(ctx, docstore.BulkUpload(id), info); err != nil {
		return nil, s.fail(ctx, &BatchError{
			Stage:        StageFileInfo,
			BulkUploadID: id,
			CreatedUID:   creator,
			FailedIndex:  -1,
			Pending:      questions,
			Err:          err,
		})
	}

	slog.InfoContext(ctx, "ingest: bulk upload recorded",
		"bulk_upload_id", id,
		"file_key", ref.Key,
		"questions", len(questions),
	)

	ids, err := s.commit(ctx, id, creator, questions, s.put)
	if err != nil {
		return nil, s.fail(ctx, err)
	}

	return &SubmitBulkResponse{
		BulkUploadID: id,
		FileInfo:     info,
		Blob:         ref,
		QuestionIDs:  ids,
	}, nil
}

type ResumeBulkRequest struct {
	BulkUploadID string
	CreatedUID   string
	// Questions are the pending questions of a failed run, usually BatchError.Pending.
	Questions []*domain.Question
}

type ResumeBulkResponse struct {
	BulkUploadID string
	QuestionIDs  []string
}

// ResumeBulk commits the questions a failed run left behind. The bulk upload record must exist. The
// questions keep their ids. A question that is already stored, unpublished or published, is skipped and
// left as it is; only the ids still under review are returned.
func (s *Service) ResumeBulk(ctx context.Context, req ResumeBulkRequest) (*ResumeBulkResponse, error) {
	if req.BulkUploadID == "" {
		return nil, errors.InvalidArgument("bulk upload id is required")
	}
	if len(req.Questions) == 0 {
		return nil, errors.InvalidArgument("no questions to resume")
	}

	var info domain.BulkUploadFileInfo
	err := s.read(ctx, docstore.BulkUpload(req.BulkUploadID), &info)
	if stderrors.Is(err, docstore.ErrNotFound) {
		return nil, errors.NotFound("bulk upload %s not found", req.BulkUploadID)
	}
	if err != nil {
		return nil, errors.New(errors.CodeUnavailable, errors.WithCause(err))
	}

	if req.CreatedUID != "" && req.CreatedUID != info.CreatedUID {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("bulk upload %s belongs to another creator", req.BulkUploadID))
	}

	questions := make([]*domain.Question, 0, len(req.Questions))
	for i, q := range req.Questions {
		if q == nil || q.ID == "" {
			return nil, errors.InvalidArgument("question %d has no id", i)
		}
		if q.BulkUploadID != "" && q.BulkUploadID != req.BulkUploadID {
			return nil, errors.InvalidArgument("question %d belongs to bulk upload %s", i, q.BulkUploadID)
		}
		if status, err := domain.ParseQuestionStatus(string(q.Status)); err != nil || status != domain.StatusUnpublished {
			return nil, errors.InvalidArgument("question %d: only %s questions can be resumed, got %q",
				i, domain.StatusUnpublished, q.Status)
		}
		if err := domain.ValidateQuestion(q); err != nil {
			return nil, errors.InvalidArgument("question %d: %v", i, err)
		}

		c := q.Clone()
		c.BulkUploadID = req.BulkUploadID
		c.Status = domain.StatusUnpublished
		c.Reason = ""
		if c.CreatedUID == "" {
			c.CreatedUID = info.CreatedUID
		}
		questions = append(questions, c)
	}

	slog.InfoContext(ctx, "ingest: resuming bulk upload",
		"bulk_upload_id", req.BulkUploadID,
		"questions", len(questions),
	)

	ids, err := s.commit(ctx, req.BulkUploadID, info.CreatedUID, questions, s.putNew)
	if err != nil {
		return nil, s.fail(ctx, err)
	}

	return &ResumeBulkResponse{
		BulkUploadID: req.BulkUploadID,
		QuestionIDs:  ids,
	}, nil
}

// putFunc writes one question and reports whether it is under review afterwards.
type putFunc func(ctx context.Context, q *domain.Question) (bool, error)

// commit writes questions one by one, each write waiting for the previous one. Cancelling ctx stops the
// loop before the next write, never in the middle of one.
func (s *Service) commit(ctx context.Context, bulkUploadID, creator string, questions []*domain.Question, put putFunc) ([]string, error) {
	ids := make([]string, 0, len(questions))

	for i, q := range questions {
		var (
			kept bool
			err  error
		)
		if cerr := ctx.Err(); cerr != nil {
			err = errors.New(errors.CodeAborted, errors.WithMessagef("bulk upload cancelled"), errors.WithCause(cerr))
		} else {
			start := time.Now()
			kept, err = put(ctx, q)
			telemetry.CommitDuration.Observe(time.Since(start).Seconds())
		}

		if err != nil {
			return nil, &BatchError{
				Stage:              StageQuestions,
				BulkUploadID:       bulkUploadID,
				CreatedUID:         creator,
				FailedIndex:        i,
				FailedQuestionID:   q.ID,
				LastCommittedIndex: i,
				FileInfoWritten:    true,
				Pending:            questions[i:],
				Err:                err,
			}
		}

		if kept {
			telemetry.QuestionsCommitted.Inc()
			ids = append(ids, q.ID)
		}
	}

	telemetry.BulkUploads.WithLabelValues("succeeded").Inc()
	slog.InfoContext(ctx, "ingest: bulk upload committed",
		"bulk_upload_id", bulkUploadID,
		"questions", len(ids),
	)

	if len(ids) > 0 {
		s.eb.Publish(ctx, domain.EventQuestionAddSucceeded{
			CreatedUID:   creator,
			BulkUploadID: bulkUploadID,
			QuestionIDs:  ids,
		})
	}

	return ids, nil
}

func (s *Service) put(ctx context.Context, q *domain.Question) (bool, error) {
	return true, s.write(ctx, docstore.UnpublishedQuestion(q.ID), q)
}

// putNew writes q only if no question with its id is stored yet. A published question is left in place
// and reported as not kept, an unpublished one is kept untouched.
func (s *Service) putNew(ctx context.Context, q *domain.Question) (bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()

	var published, exists bool
	err := s.docs.RunTransaction(ctx, func(_ context.Context, tx docstore.Txn) error {
		published, exists = false, false

		err := tx.Get(docstore.Question(q.ID), &domain.Question{})
		switch {
		case err == nil:
			published = true
			return nil
		case !stderrors.Is(err, docstore.ErrNotFound):
			return err
		}

		err = tx.Get(docstore.UnpublishedQuestion(q.ID), &domain.Question{})
		switch {
		case err == nil:
			exists = true
			return nil
		case !stderrors.Is(err, docstore.ErrNotFound):
			return err
		}

		return tx.Set(docstore.UnpublishedQuestion(q.ID), q)
	})
	if err != nil {
		code := errors.CodeUnavailable
		if stderrors.Is(err, docstore.ErrAborted) {
			code = errors.CodeAborted
		}
		return false, errors.New(code,
			errors.WithMessagef("write %s failed", docstore.UnpublishedQuestion(q.ID)),
			errors.WithCause(err))
	}

	switch {
	case published:
		slog.WarnContext(ctx, "ingest: question already published, skipped", "question_id", q.ID)
		return false, nil
	case exists:
		slog.InfoContext(ctx, "ingest: question already committed, skipped", "question_id", q.ID)
	}

	return true, nil
}

func (s *Service) fail(ctx context.Context, err error) error {
	var berr *BatchError
	if !stderrors.As(err, &berr) {
		return err
	}

	outcome := "partial"
	if berr.Stage == StageUpload {
		outcome = "upload_failed"
	}
	telemetry.BulkUploads.WithLabelValues(outcome).Inc()

	slog.ErrorContext(ctx, "ingest: bulk upload failed",
		"bulk_upload_id", berr.BulkUploadID,
		"stage", berr.Stage,
		"failed_index", berr.FailedIndex,
		"last_committed_index", berr.LastCommittedIndex,
		"error", berr.Err,
	)

	s.eb.Publish(ctx, berr.event())
	return berr
}

// write runs one document write detached from ctx cancellation but bounded by the write timeout, so an
// acknowledged write is never reported as cancelled.
func (s *Service) write(ctx context.Context, p docstore.Path, doc any) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()

	if err := s.docs.Set(ctx, p, doc); err != nil {
		return errors.New(errors.CodeUnavailable,
			errors.WithMessagef("write %s failed", p),
			errors.WithCause(err))
	}

	return nil
}

func (s *Service) read(ctx context.Context, p docstore.Path, dst any) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	return s.docs.Get(ctx, p, dst)
}

func (s *Service) upload(ctx context.Context, key string, f domain.BulkFile) (blob.Reference, error) {
	ctx, cancel := context.WithTimeout(ctx, s.uploadTimeout)
	defer cancel()

	ref, err := s.blobs.Upload(ctx, key, bytes.NewReader(f.Data), int64(len(f.Data)), f.ContentType)
	if err != nil {
		return blob.Reference{}, errors.New(errors.CodeUnavailable,
			errors.WithMessagef("upload of %s failed", f.Name),
			errors.WithCause(err))
	}

	return ref, nil
}

// prepare copies every non-nil question, assigns it a fresh id and stamps the bulk upload. Nil entries
// are dropped.
func (s *Service) prepare(up domain.BulkUpload, bulkUploadID string, now time.Time) []*domain.Question {
	out := make([]*domain.Question, 0, len(up.Questions))
	for _, q := range up.Questions {
		if q == nil {
			continue
		}

		c := q.Clone()
		c.ID = s.docs.GenerateID()
		c.BulkUploadID = bulkUploadID
		c.Status = domain.StatusUnpublished
		c.CreatedOn = now
		if c.CreatedUID == "" {
			c.CreatedUID = up.FileInfo.CreatedUID
		}
		if len(c.CategoryIDs) == 0 {
			c.CategoryIDs = append([]int(nil), up.FileInfo.Categories...)
		}
		if len(c.Tags) == 0 {
			c.Tags = append([]string(nil), up.FileInfo.Tags...)
		}

		out = append(out, c)
	}

	return out
}

func validateUpload(up domain.BulkUpload) error {
	if up.File.Name == "" || len(up.File.Data) == 0 {
		return errors.InvalidArgument("bulk upload needs a non-empty file with a name")
	}

	info := up.FileInfo
	if info.FileName == "" {
		info.FileName = up.File.Name
	}
	if err := domain.ValidateBulkUploadFileInfo(&info); err != nil {
		return errors.InvalidArgument("invalid bulk upload: %v", err)
	}

	if len(up.Questions) == 0 {
		return errors.InvalidArgument("bulk upload has no questions")
	}

	valid := 0
	for i, q := range up.Questions {
		if q == nil {
			continue
		}
		if err := domain.ValidateQuestion(q); err != nil {
			return errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("question %d is invalid: %v", i, err),
				errors.WithDetails(map[string]int{"index": i}))
		}
		valid++
	}
	if valid == 0 {
		return errors.InvalidArgument("bulk upload has only empty entries")
	}

	return nil
}
