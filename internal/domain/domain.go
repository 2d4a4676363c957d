package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// QuestionStatus is the moderation state of a question.
type QuestionStatus string

const (
	StatusUnpublished QuestionStatus = "UNPUBLISHED"
	StatusApproved    QuestionStatus = "APPROVED"
	StatusRejected    QuestionStatus = "REJECTED"
)

// ParseQuestionStatus accepts the status names case-insensitively. PUBLISHED is an alias of APPROVED.
func ParseQuestionStatus(s string) (QuestionStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(StatusUnpublished):
		return StatusUnpublished, nil
	case string(StatusApproved), "PUBLISHED":
		return StatusApproved, nil
	case string(StatusRejected):
		return StatusRejected, nil
	}

	return "", fmt.Errorf("unknown question status %q", s)
}

// BulkUploadStatusUnderReview is the status of a bulk upload until every question is moderated.
const BulkUploadStatusUnderReview = "Under Review"

type Answer struct {
	ID         int    `json:"id" bson:"id"`
	AnswerText string `json:"answerText" bson:"answerText" validate:"required"`
	Correct    bool   `json:"correct" bson:"correct"`
}

// Question is a quiz item. It lives in exactly one of the unpublished or published collections.
type Question struct {
	ID           string         `json:"id" bson:"id"`
	QuestionText string         `json:"questionText" bson:"questionText" validate:"required"`
	Answers      []Answer       `json:"answers" bson:"answers" validate:"min=2,dive"`
	Ordered      bool           `json:"ordered" bson:"ordered"`
	Explanation  string         `json:"explanation,omitempty" bson:"explanation,omitempty"`
	Tags         []string       `json:"tags,omitempty" bson:"tags,omitempty"`
	CategoryIDs  []int          `json:"categoryIds,omitempty" bson:"categoryIds,omitempty"`
	Status       QuestionStatus `json:"status" bson:"status" validate:"omitempty,oneof=UNPUBLISHED APPROVED REJECTED"`
	CreatedUID   string         `json:"created_uid" bson:"created_uid"`
	BulkUploadID string         `json:"bulkUploadId,omitempty" bson:"bulkUploadId,omitempty"`
	CreatedOn    time.Time      `json:"createdOn" bson:"createdOn"`
	Reason       string         `json:"reason,omitempty" bson:"reason,omitempty"`
}

// Clone returns a deep copy, so mutating the copy's answers never affects q.
func (q *Question) Clone() *Question {
	c := *q
	c.Answers = slices.Clone(q.Answers)
	c.Tags = slices.Clone(q.Tags)
	c.CategoryIDs = slices.Clone(q.CategoryIDs)
	return &c
}

// BulkUploadFileInfo describes an uploaded source file and tracks moderation progress of its questions.
type BulkUploadFileInfo struct {
	ID         string    `json:"id" bson:"id"`
	CreatedUID string    `json:"created_uid" bson:"created_uid" validate:"required"`
	FileName   string    `json:"fileName" bson:"fileName" validate:"required"`
	FileKey    string    `json:"fileKey,omitempty" bson:"fileKey,omitempty"`
	Uploaded   time.Time `json:"uploaded" bson:"uploaded"`
	Categories []int     `json:"categories,omitempty" bson:"categories,omitempty"`
	Tags       []string  `json:"tags,omitempty" bson:"tags,omitempty"`
	Status     string    `json:"status" bson:"status"`
	Approved   int       `json:"approved" bson:"approved"`
	Rejected   int       `json:"rejected" bson:"rejected"`
}

// BulkFile is the raw uploaded file.
type BulkFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// BulkUpload bundles one submission. A nil entry in Questions is a placeholder that is skipped.
type BulkUpload struct {
	File      BulkFile
	FileInfo  BulkUploadFileInfo
	Questions []*Question
}

type SearchCriteria struct {
	CategoryIDs []int    `json:"categoryIds,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	SortOrder   string   `json:"sortOrder,omitempty"`
}

type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

type SearchResults struct {
	TotalCount int            `json:"totalCount"`
	Questions  []Question     `json:"questions"`
	Categories map[string]int `json:"categoryAggregation,omitempty"`
	Tags       []TagCount     `json:"tagsCount,omitempty"`
}
