package domain

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterStructValidation(questionStructLevel, Question{})
	})
	return validate
}

func questionStructLevel(sl validator.StructLevel) {
	q := sl.Current().Interface().(Question)
	for _, a := range q.Answers {
		if a.Correct {
			return
		}
	}
	sl.ReportError(q.Answers, "Answers", "answers", "onecorrect", "")
}

// ValidateQuestion checks that q is a well-formed question record.
func ValidateQuestion(q *Question) error {
	if q == nil {
		return errors.New("question is nil")
	}
	return describe(validatorInstance().Struct(q))
}

// ValidateBulkUploadFileInfo checks the metadata supplied with a bulk upload.
func ValidateBulkUploadFileInfo(info *BulkUploadFileInfo) error {
	return describe(validatorInstance().Struct(info))
}

func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Namespace()))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s needs at least %s entries", fe.Namespace(), fe.Param()))
		case "onecorrect":
			msgs = append(msgs, fmt.Sprintf("%s needs at least one correct answer", fe.Namespace()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}

	return errors.New(strings.Join(msgs, "; "))
}
