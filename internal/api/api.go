package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/victornm/quizbank/internal/domain"
	"github.com/victornm/quizbank/internal/errors"
	"github.com/victornm/quizbank/internal/event"
	"github.com/victornm/quizbank/internal/ingest"
	"github.com/victornm/quizbank/internal/moderation"
	"github.com/victornm/quizbank/internal/notify"
	"github.com/victornm/quizbank/internal/question"
)

const maxUploadSize = 10 << 20

type Config struct {
	Router     gin.IRouter
	EventBus   *event.Bus
	Question   *question.Service
	Ingest     *ingest.Service
	Moderation *moderation.Service
	Notifier   notify.Publisher
	Channels   notify.Channels
}

type API struct {
	qs *question.Service
	is *ingest.Service
	ms *moderation.Service

	notifier notify.Publisher
	channels notify.Channels
}

func New(c Config) *API {
	a := &API{
		qs:       c.Question,
		is:       c.Ingest,
		ms:       c.Moderation,
		notifier: c.Notifier,
		channels: c.Channels,
	}

	// HTTP APIs
	v1 := c.Router.Group("/v1")
	v1.POST("/questions", a.SaveQuestion)
	v1.GET("/questions/unpublished", a.UnpublishedQuestions)
	v1.GET("/questions/day", a.QuestionOfTheDay)
	v1.POST("/questions/search/:start/:size", a.Search)
	v1.POST("/questions/:id/approve", a.Approve)
	v1.POST("/questions/:id/reject", a.Reject)
	v1.GET("/users/:uid/questions", a.UserQuestions)
	v1.POST("/bulk_uploads", a.SubmitBulk)
	v1.POST("/bulk_uploads/:id/resume", a.ResumeBulk)
	v1.GET("/bulk_uploads/:id/questions", a.BulkUploadQuestions)

	// Register event handlers
	c.EventBus.Subscribe(domain.EventNameQuestionAddSucceeded, func(ctx context.Context, e event.Event) error {
		return a.PublishQuestionAddSucceeded(ctx, e.(domain.EventQuestionAddSucceeded))
	})
	c.EventBus.Subscribe(domain.EventNameBulkUploadFailed, func(ctx context.Context, e event.Event) error {
		return a.PublishBulkUploadFailed(ctx, e.(domain.EventBulkUploadFailed))
	})
	c.EventBus.Subscribe(domain.EventNameQuestionApproved, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventQuestionApproved)
		return a.PublishModerated(ctx, ev.Name(), ev.Question)
	})
	c.EventBus.Subscribe(domain.EventNameQuestionRejected, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventQuestionRejected)
		return a.PublishModerated(ctx, ev.Name(), ev.Question)
	})

	return a
}

func (a *API) SaveQuestion(c *gin.Context) {
	var q domain.Question
	if err := c.ShouldBindJSON(&q); err != nil {
		renderError(c, errors.InvalidArgument("malformed question: %v", err))
		return
	}

	saved, err := a.qs.SaveQuestion(c.Request.Context(), q)
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, saved)
}

func (a *API) UnpublishedQuestions(c *gin.Context) {
	qs, err := a.qs.UnpublishedQuestions(c.Request.Context())
	renderList(c, "unpublished questions", qs, err)
}

func (a *API) UserQuestions(c *gin.Context) {
	published, ok := publishedParam(c)
	if !ok {
		return
	}

	qs, err := a.qs.UserQuestions(c.Request.Context(), c.Param("uid"), published)
	renderList(c, "user questions", qs, err)
}

func (a *API) BulkUploadQuestions(c *gin.Context) {
	published, ok := publishedParam(c)
	if !ok {
		return
	}

	info := domain.BulkUploadFileInfo{
		ID:         c.Param("id"),
		CreatedUID: c.Query("created_uid"),
	}
	if info.CreatedUID == "" {
		renderError(c, errors.InvalidArgument("created_uid is required"))
		return
	}

	qs, err := a.qs.BulkUploadQuestions(c.Request.Context(), info, published)
	renderList(c, "bulk upload questions", qs, err)
}

func (a *API) QuestionOfTheDay(c *gin.Context) {
	q, err := a.qs.QuestionOfTheDay(c.Request.Context())
	if err != nil {
		slog.WarnContext(c, "api: question of the day unavailable", "error", err)
	}
	if err != nil || q == nil {
		c.Status(http.StatusNoContent)
		return
	}

	c.JSON(http.StatusOK, q)
}

func (a *API) Search(c *gin.Context) {
	start, err1 := strconv.Atoi(c.Param("start"))
	size, err2 := strconv.Atoi(c.Param("size"))
	if err1 != nil || err2 != nil || start < 0 || size <= 0 {
		renderError(c, errors.InvalidArgument("invalid page %q/%q", c.Param("start"), c.Param("size")))
		return
	}

	var criteria domain.SearchCriteria
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&criteria); err != nil {
			renderError(c, errors.InvalidArgument("malformed search criteria: %v", err))
			return
		}
	}

	res, err := a.qs.Search(c.Request.Context(), start, size, criteria)
	if err != nil {
		slog.WarnContext(c, "api: search unavailable", "error", err)
		res = &domain.SearchResults{Questions: []domain.Question{}}
	}

	c.JSON(http.StatusOK, res)
}

type approveBody struct {
	ApprovedBy string `json:"approved_by"`
}

func (a *API) Approve(c *gin.Context) {
	var body approveBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			renderError(c, errors.InvalidArgument("malformed request: %v", err))
			return
		}
	}

	q, err := a.ms.Approve(c.Request.Context(), moderation.ApproveRequest{
		QuestionID: c.Param("id"),
		ApprovedBy: body.ApprovedBy,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, q)
}

type rejectBody struct {
	Reason string `json:"reason"`
}

func (a *API) Reject(c *gin.Context) {
	var body rejectBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			renderError(c, errors.InvalidArgument("malformed request: %v", err))
			return
		}
	}

	q, err := a.ms.Reject(c.Request.Context(), moderation.RejectRequest{
		QuestionID: c.Param("id"),
		Reason:     body.Reason,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, q)
}

func publishedParam(c *gin.Context) (bool, bool) {
	s := c.Query("published")
	if s == "" {
		return false, true
	}

	published, err := strconv.ParseBool(s)
	if err != nil {
		renderError(c, errors.InvalidArgument("published must be true or false, got %q", s))
		return false, false
	}

	return published, true
}

// renderList responds with an empty list when the read failed. Invalid arguments are still reported.
func renderList(c *gin.Context, what string, qs []domain.Question, err error) {
	if errors.Is(err, errors.CodeInvalidArgument) {
		renderError(c, err)
		return
	}

	if err != nil {
		slog.WarnContext(c, "api: list failed, responding empty", "list", what, "error", err)
		qs = []domain.Question{}
	}

	c.JSON(http.StatusOK, qs)
}

func renderError(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(c, "api: request failed", "path", c.FullPath(), "error", err)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
}
