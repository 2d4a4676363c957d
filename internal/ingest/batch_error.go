package ingest

import (
	"fmt"

	"github.com/victornm/quizbank/internal/domain"
)

// Stage names the step of a bulk ingestion run that failed.
type Stage string

const (
	StageUpload    Stage = "upload"
	StageFileInfo  Stage = "file_info"
	StageQuestions Stage = "questions"
)

// BatchError reports a bulk ingestion run that stopped before its last question was committed. When Stage
// is StageUpload nothing was written.
//
// Questions before FailedIndex are durably committed, the question at FailedIndex and every one after it
// are not. Pending holds those uncommitted questions with their ids already assigned, which is what
// ResumeBulk expects.
type BatchError struct {
	Stage        Stage
	BulkUploadID string
	CreatedUID   string
	// FailedIndex is the position in the prepared question sequence, -1 when no question write was attempted.
	FailedIndex      int
	FailedQuestionID string
	// LastCommittedIndex is the number of questions committed before the failure.
	LastCommittedIndex int
	FileInfoWritten    bool
	Pending            []*domain.Question

	Err error
}

func (e *BatchError) Error() string {
	if e.FailedIndex < 0 {
		return fmt.Sprintf("bulk upload %s failed at %s: %v", e.BulkUploadID, e.Stage, e.Err)
	}

	return fmt.Sprintf("bulk upload %s failed at %s, index %d (question %s), %d committed: %v",
		e.BulkUploadID, e.Stage, e.FailedIndex, e.FailedQuestionID, e.LastCommittedIndex, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// PendingIDs returns the ids of the questions that were not committed.
func (e *BatchError) PendingIDs() []string {
	ids := make([]string, 0, len(e.Pending))
	for _, q := range e.Pending {
		ids = append(ids, q.ID)
	}
	return ids
}

func (e *BatchError) event() domain.EventBulkUploadFailed {
	return domain.EventBulkUploadFailed{
		CreatedUID:         e.CreatedUID,
		BulkUploadID:       e.BulkUploadID,
		Stage:              string(e.Stage),
		FailedIndex:        e.FailedIndex,
		FailedQuestionID:   e.FailedQuestionID,
		LastCommittedIndex: e.LastCommittedIndex,
		FileInfoWritten:    e.FileInfoWritten,
		Reason:             e.Err.Error(),
	}
}
