//go:build cucumber

package ingest_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cucumber/godog"

	"github.com/victornm/quizbank/internal/docstore"
	"github.com/victornm/quizbank/internal/domain"
	"github.com/victornm/quizbank/internal/errors"
	"github.com/victornm/quizbank/internal/ingest"
	"github.com/victornm/quizbank/internal/moderation"
)

// TestIngestionScenarios runs the ingestion and approval feature scenarios.
func TestIngestionScenarios(t *testing.T) {
	suite := godog.TestSuite{
		Name: "ingestion",
		ScenarioInitializer: func(ctx *godog.ScenarioContext) {
			initializeIngestionScenario(t, ctx)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{filepath.Join("testdata", "features", "ingestion.feature")},
			Strict:   true,
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatalf("non-zero godog status")
	}
}

func initializeIngestionScenario(t *testing.T, ctx *godog.ScenarioContext) {
	state := &ingestionState{t: t}
	ctx.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		state.reset()
		return ctx, nil
	})

	ctx.Step(`^a bulk upload by "([^"]*)" with entries "([^"]*)"$`, state.givenBulkUpload)
	ctx.Step(`^blob storage is unavailable$`, state.givenBlobStorageUnavailable)
	ctx.Step(`^the write of question (\d+) fails$`, state.givenQuestionWriteFails)
	ctx.Step(`^the bulk upload is submitted$`, state.whenSubmitted)
	ctx.Step(`^the question "([^"]*)" is approved$`, state.whenApproved)
	ctx.Step(`^the upload succeeds with (\d+) questions$`, state.thenSucceeds)
	ctx.Step(`^the upload fails at stage "([^"]*)" with code "([^"]*)"$`, state.thenFailsAt)
	ctx.Step(`^(\d+) unpublished questions belong to the bulk upload$`, state.thenUnpublishedCount)
	ctx.Step(`^(\d+) "([^"]*)" event is published$`, state.thenEventCount)
	ctx.Step(`^no document is written$`, state.thenNothingWritten)
	ctx.Step(`^(\d+) questions are reported committed$`, state.thenCommitted)
	ctx.Step(`^(\d+) questions are reported pending starting with "([^"]*)"$`, state.thenPending)
	ctx.Step(`^the question "([^"]*)" is published$`, state.thenPublished)
	ctx.Step(`^the bulk upload counts (\d+) approved and (\d+) rejected$`, state.thenCounts)
	ctx.Step(`^approving the question "([^"]*)" again fails with code "([^"]*)"$`, state.thenApproveAgainFails)
}

type ingestionState struct {
	t   *testing.T
	env *env
	mod *moderation.Service

	req  ingest.SubmitBulkRequest
	resp *ingest.SubmitBulkResponse
	err  error
}

func (s *ingestionState) reset() {
	s.env = newEnv(s.t)
	s.mod = moderation.NewService(moderation.Config{
		Docs:     s.env.docs,
		EventBus: s.env.bus,
	})
	s.req = ingest.SubmitBulkRequest{}
	s.resp = nil
	s.err = nil
}

// givenBulkUpload builds a request from a comma separated list of question texts, "-" marks an empty entry.
func (s *ingestionState) givenBulkUpload(creator, entries string) error {
	var questions []*domain.Question
	for _, text := range strings.Split(entries, ",") {
		text = strings.TrimSpace(text)
		if text == "-" {
			questions = append(questions, nil)
			continue
		}
		questions = append(questions, question(text))
	}

	s.req = request(questions...)
	s.req.Upload.FileInfo.CreatedUID = creator
	return nil
}

func (s *ingestionState) givenBlobStorageUnavailable() error {
	s.env.blobs.err = stderrors.New("storage down")
	return nil
}

func (s *ingestionState) givenQuestionWriteFails(n int) error {
	s.env.docs.failOnQuestion = n
	return nil
}

func (s *ingestionState) whenSubmitted() error {
	s.resp, s.err = s.env.svc.SubmitBulk(context.Background(), s.req)
	return nil
}

func (s *ingestionState) whenApproved(text string) error {
	id, err := s.questionID(text)
	if err != nil {
		return err
	}

	_, err = s.mod.Approve(context.Background(), moderation.ApproveRequest{QuestionID: id, ApprovedBy: "moderator"})
	return err
}

func (s *ingestionState) thenSucceeds(n int) error {
	if s.err != nil {
		return fmt.Errorf("expected success, got %v", s.err)
	}
	if got := len(s.resp.QuestionIDs); got != n {
		return fmt.Errorf("expected %d question ids, got %d", n, got)
	}
	return nil
}

func (s *ingestionState) thenFailsAt(stage, code string) error {
	berr, err := s.batchError()
	if err != nil {
		return err
	}
	if string(berr.Stage) != stage {
		return fmt.Errorf("expected stage %q, got %q", stage, berr.Stage)
	}
	if got := errors.Convert(s.err).Code.String(); got != code {
		return fmt.Errorf("expected code %s, got %s", code, got)
	}
	return nil
}

func (s *ingestionState) thenUnpublishedCount(n int) error {
	id, err := s.bulkUploadID()
	if err != nil {
		return err
	}

	qs, err := docstore.FindAll[domain.Question](context.Background(), s.env.docs, docstore.CollectionUnpublishedQuestions,
		docstore.Filter{"bulkUploadId": id})
	if err != nil {
		return err
	}
	if len(qs) != n {
		return fmt.Errorf("expected %d unpublished questions, got %d", n, len(qs))
	}
	return nil
}

func (s *ingestionState) thenEventCount(n int, name string) error {
	s.env.bus.Stop()

	var got int
	for _, ev := range s.env.events() {
		if ev.Name() == name {
			got++
		}
	}
	if got != n {
		return fmt.Errorf("expected %d %s events, got %d", n, name, got)
	}
	return nil
}

func (s *ingestionState) thenNothingWritten() error {
	if w := s.env.docs.writes(); len(w) != 0 {
		return fmt.Errorf("expected no writes, got %v", w)
	}
	return nil
}

func (s *ingestionState) thenCommitted(n int) error {
	berr, err := s.batchError()
	if err != nil {
		return err
	}
	if berr.LastCommittedIndex != n {
		return fmt.Errorf("expected %d committed, got %d", n, berr.LastCommittedIndex)
	}
	return nil
}

func (s *ingestionState) thenPending(n int, first string) error {
	berr, err := s.batchError()
	if err != nil {
		return err
	}
	if len(berr.Pending) != n {
		return fmt.Errorf("expected %d pending, got %d", n, len(berr.Pending))
	}
	if got := berr.Pending[0].QuestionText; got != first {
		return fmt.Errorf("expected first pending question %q, got %q", first, got)
	}
	if berr.Pending[0].ID != berr.FailedQuestionID {
		return fmt.Errorf("first pending question %s is not the failed one %s", berr.Pending[0].ID, berr.FailedQuestionID)
	}
	return nil
}

func (s *ingestionState) thenPublished(text string) error {
	id, err := s.questionID(text)
	if err != nil {
		return err
	}

	var q domain.Question
	if err := s.env.docs.Get(context.Background(), docstore.Question(id), &q); err != nil {
		return fmt.Errorf("published question %s: %w", id, err)
	}
	if q.Status != domain.StatusApproved {
		return fmt.Errorf("expected status %s, got %s", domain.StatusApproved, q.Status)
	}
	return nil
}

func (s *ingestionState) thenCounts(approved, rejected int) error {
	id, err := s.bulkUploadID()
	if err != nil {
		return err
	}

	var info domain.BulkUploadFileInfo
	if err := s.env.docs.Get(context.Background(), docstore.BulkUpload(id), &info); err != nil {
		return err
	}
	if info.Approved != approved || info.Rejected != rejected {
		return fmt.Errorf("expected %d approved and %d rejected, got %d and %d", approved, rejected, info.Approved, info.Rejected)
	}
	return nil
}

func (s *ingestionState) thenApproveAgainFails(text, code string) error {
	id, err := s.questionID(text)
	if err != nil {
		return err
	}

	_, err = s.mod.Approve(context.Background(), moderation.ApproveRequest{QuestionID: id})
	if err == nil {
		return fmt.Errorf("expected approving %s again to fail", id)
	}
	if got := errors.Convert(err).Code.String(); got != code {
		return fmt.Errorf("expected code %s, got %s", code, got)
	}
	return nil
}

func (s *ingestionState) batchError() (*ingest.BatchError, error) {
	var berr *ingest.BatchError
	if !stderrors.As(s.err, &berr) {
		return nil, fmt.Errorf("expected a batch error, got %v", s.err)
	}
	return berr, nil
}

func (s *ingestionState) bulkUploadID() (string, error) {
	if s.resp != nil {
		return s.resp.BulkUploadID, nil
	}
	if berr, err := s.batchError(); err == nil {
		return berr.BulkUploadID, nil
	}
	return "", fmt.Errorf("no bulk upload was created")
}

// questionID finds the id the submitted question with the given text was stored under.
func (s *ingestionState) questionID(text string) (string, error) {
	if s.resp == nil {
		return "", fmt.Errorf("no successful bulk upload")
	}

	for _, id := range s.resp.QuestionIDs {
		var q domain.Question
		err := s.env.docs.Get(context.Background(), docstore.UnpublishedQuestion(id), &q)
		if stderrors.Is(err, docstore.ErrNotFound) {
			err = s.env.docs.Get(context.Background(), docstore.Question(id), &q)
		}
		if err != nil {
			return "", err
		}
		if q.QuestionText == text {
			return id, nil
		}
	}
	return "", fmt.Errorf("question %q not found", text)
}
