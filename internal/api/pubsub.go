package api

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/victornm/quizbank/internal/domain"
	"github.com/victornm/quizbank/internal/notify"
	"github.com/victornm/quizbank/internal/telemetry"
)

const maxConcurrent = 100

type (
	QuestionsAdded struct {
		BulkUploadID string   `json:"bulkUploadId,omitempty"`
		QuestionIDs  []string `json:"questionIds"`
	}

	BulkUploadFailed struct {
		BulkUploadID       string `json:"bulkUploadId"`
		Stage              string `json:"stage"`
		FailedIndex        int    `json:"failedIndex"`
		FailedQuestionID   string `json:"failedQuestionId,omitempty"`
		LastCommittedIndex int    `json:"lastCommittedIndex"`
		FileInfoWritten    bool   `json:"fileInfoWritten"`
		Reason             string `json:"reason"`
	}

	Moderated struct {
		QuestionID   string                `json:"questionId"`
		BulkUploadID string                `json:"bulkUploadId,omitempty"`
		Status       domain.QuestionStatus `json:"status"`
		Reason       string                `json:"reason,omitempty"`
	}
)

func (a *API) PublishQuestionAddSucceeded(ctx context.Context, e domain.EventQuestionAddSucceeded) error {
	if e.CreatedUID == "" {
		return nil
	}

	return a.publishNotification(ctx, e.Name(), QuestionsAdded{
		BulkUploadID: e.BulkUploadID,
		QuestionIDs:  e.QuestionIDs,
	}, a.channels.User(e.CreatedUID))
}

func (a *API) PublishBulkUploadFailed(ctx context.Context, e domain.EventBulkUploadFailed) error {
	if e.CreatedUID == "" {
		return nil
	}

	return a.publishNotification(ctx, e.Name(), BulkUploadFailed{
		BulkUploadID:       e.BulkUploadID,
		Stage:              e.Stage,
		FailedIndex:        e.FailedIndex,
		FailedQuestionID:   e.FailedQuestionID,
		LastCommittedIndex: e.LastCommittedIndex,
		FileInfoWritten:    e.FileInfoWritten,
		Reason:             e.Reason,
	}, a.channels.User(e.CreatedUID))
}

// PublishModerated tells the creator and the moderation channel about a moderation decision.
func (a *API) PublishModerated(ctx context.Context, event string, q domain.Question) error {
	channels := []string{a.channels.Moderation()}
	if q.CreatedUID != "" {
		channels = append(channels, a.channels.User(q.CreatedUID))
	}

	return a.publishNotification(ctx, event, Moderated{
		QuestionID:   q.ID,
		BulkUploadID: q.BulkUploadID,
		Status:       q.Status,
		Reason:       q.Reason,
	}, channels...)
}

func (a *API) publishNotification(ctx context.Context, event string, data any, channels ...string) error {
	n := notify.Notification{
		Event: event,
		Data:  data,
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, ch := range channels {
		eg.Go(func() error {
			err := a.notifier.Publish(ctx, ch, n)
			status := "ok"
			if err != nil {
				status = "error"
			}
			telemetry.NotificationsSent.WithLabelValues(event, status).Inc()
			return err
		})
	}

	return eg.Wait()
}
