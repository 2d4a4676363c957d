package domain

const (
	EventNameQuestionAddSucceeded = "question.add_succeeded"
	EventNameBulkUploadFailed     = "bulk_upload.failed"
	EventNameQuestionApproved     = "question.approved"
	EventNameQuestionRejected     = "question.rejected"
)

// EventQuestionAddSucceeded is emitted once per single save or completed bulk upload.
type EventQuestionAddSucceeded struct {
	CreatedUID   string
	BulkUploadID string
	QuestionIDs  []string
}

func (EventQuestionAddSucceeded) Name() string { return EventNameQuestionAddSucceeded }

type EventBulkUploadFailed struct {
	CreatedUID         string
	BulkUploadID       string
	Stage              string
	FailedIndex        int
	FailedQuestionID   string
	LastCommittedIndex int
	FileInfoWritten    bool
	Reason             string
}

func (EventBulkUploadFailed) Name() string { return EventNameBulkUploadFailed }

type EventQuestionApproved struct {
	Question   Question
	ApprovedBy string
}

func (EventQuestionApproved) Name() string { return EventNameQuestionApproved }

type EventQuestionRejected struct {
	Question Question
}

func (EventQuestionRejected) Name() string { return EventNameQuestionRejected }
