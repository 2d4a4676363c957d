package api

import (
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/victornm/quizbank/internal/bulkfile"
	"github.com/victornm/quizbank/internal/domain"
	"github.com/victornm/quizbank/internal/errors"
	"github.com/victornm/quizbank/internal/ingest"
)

type (
	BulkUploadResponse struct {
		BulkUploadID string                    `json:"bulkUploadId"`
		FileInfo     domain.BulkUploadFileInfo `json:"fileInfo"`
		QuestionIDs  []string                  `json:"questionIds"`
		RowErrors    []bulkfile.RowError       `json:"rowErrors,omitempty"`
	}

	// BatchFailure is the error detail of an interrupted bulk upload. Pending can be posted back as is to
	// the resume endpoint.
	BatchFailure struct {
		Stage              string             `json:"stage"`
		BulkUploadID       string             `json:"bulkUploadId"`
		FailedIndex        int                `json:"failedIndex"`
		FailedQuestionID   string             `json:"failedQuestionId,omitempty"`
		LastCommittedIndex int                `json:"lastCommittedIndex"`
		FileInfoWritten    bool               `json:"fileInfoWritten"`
		Pending            []*domain.Question `json:"pending,omitempty"`
	}

	ResumeBulkRequest struct {
		CreatedUID string             `json:"created_uid"`
		Questions  []*domain.Question `json:"questions"`
	}
)

// SubmitBulk accepts a multipart form with the source file and its metadata, parses the file and ingests
// the questions.
func (a *API) SubmitBulk(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)

	fh, err := c.FormFile("file")
	if err != nil {
		renderError(c, errors.InvalidArgument("file is required: %v", err))
		return
	}

	f, err := fh.Open()
	if err != nil {
		renderError(c, errors.InvalidArgument("open file: %v", err))
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		renderError(c, errors.InvalidArgument("read file: %v", err))
		return
	}

	categories, err := intList(c.PostForm("categories"))
	if err != nil {
		renderError(c, errors.InvalidArgument("categories must be comma separated numbers: %v", err))
		return
	}

	parsed, err := bulkfile.Parse(fh.Filename, data)
	if err != nil {
		renderError(c, err)
		return
	}

	resp, err := a.is.SubmitBulk(c.Request.Context(), ingest.SubmitBulkRequest{
		Upload: domain.BulkUpload{
			File: domain.BulkFile{
				Name:        fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				Data:        data,
			},
			FileInfo: domain.BulkUploadFileInfo{
				CreatedUID: c.PostForm("created_uid"),
				FileName:   fh.Filename,
				Categories: categories,
				Tags:       stringList(c.PostForm("tags")),
			},
			Questions: parsed.Questions,
		},
	})
	if err != nil {
		renderBatchError(c, err, parsed.Errors)
		return
	}

	c.JSON(http.StatusCreated, BulkUploadResponse{
		BulkUploadID: resp.BulkUploadID,
		FileInfo:     resp.FileInfo,
		QuestionIDs:  resp.QuestionIDs,
		RowErrors:    parsed.Errors,
	})
}

func (a *API) ResumeBulk(c *gin.Context) {
	var req ResumeBulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errors.InvalidArgument("malformed request: %v", err))
		return
	}

	resp, err := a.is.ResumeBulk(c.Request.Context(), ingest.ResumeBulkRequest{
		BulkUploadID: c.Param("id"),
		CreatedUID:   req.CreatedUID,
		Questions:    req.Questions,
	})
	if err != nil {
		renderBatchError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, BulkUploadResponse{
		BulkUploadID: resp.BulkUploadID,
		QuestionIDs:  resp.QuestionIDs,
	})
}

func renderBatchError(c *gin.Context, err error, rowErrors []bulkfile.RowError) {
	var berr *ingest.BatchError
	if !stderrors.As(err, &berr) {
		e := errors.Convert(err)
		if e.Details == nil && len(rowErrors) > 0 {
			e = errors.New(e.Code, errors.WithMessagef("%s", e.Message), errors.WithCause(e), errors.WithDetails(rowErrors))
		}
		renderError(c, e)
		return
	}

	slog.WarnContext(c, "api: bulk upload interrupted",
		"bulk_upload_id", berr.BulkUploadID,
		"stage", berr.Stage,
		"pending_ids", berr.PendingIDs(),
	)

	e := errors.Convert(berr.Err)
	renderError(c, errors.New(e.Code,
		errors.WithMessagef("bulk upload %s stopped at %s: %s", berr.BulkUploadID, berr.Stage, e.Message),
		errors.WithCause(berr),
		errors.WithDetails(BatchFailure{
			Stage:              string(berr.Stage),
			BulkUploadID:       berr.BulkUploadID,
			FailedIndex:        berr.FailedIndex,
			FailedQuestionID:   berr.FailedQuestionID,
			LastCommittedIndex: berr.LastCommittedIndex,
			FileInfoWritten:    berr.FileInfoWritten,
			Pending:            berr.Pending,
		}),
	))
}

func intList(s string) ([]int, error) {
	var out []int
	for _, f := range stringList(s) {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func stringList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
