// Package bulkfile turns an uploaded CSV or YAML file into question records.
//
// A row that cannot be turned into a valid question does not fail the whole file. It is kept as a nil
// placeholder at its position and reported in Result.Errors, so indexes stay aligned with the source.
package bulkfile

import (
	"bytes"
	"encoding/csv"
	stderrors "errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/victornm/quizbank/internal/domain"
	"github.com/victornm/quizbank/internal/errors"
)

// Header is the expected first line of a CSV bulk file.
var Header = []string{"question", "answer1", "answer2", "answer3", "answer4", "correct", "ordered", "tags", "explanation"}

const answerColumns = 4

// RowError describes why one row became a placeholder. Row is the 1-based position in Result.Questions.
type RowError struct {
	Row int    `json:"row"`
	Err string `json:"error"`
}

type Result struct {
	Questions []*domain.Question
	Errors    []RowError
}

// Valid returns the number of non-nil questions.
func (r *Result) Valid() int {
	n := 0
	for _, q := range r.Questions {
		if q != nil {
			n++
		}
	}
	return n
}

func (r *Result) add(q *domain.Question, err error) {
	if err == nil {
		err = domain.ValidateQuestion(q)
	}
	if err != nil {
		r.Questions = append(r.Questions, nil)
		r.Errors = append(r.Errors, RowError{Row: len(r.Questions), Err: err.Error()})
		return
	}
	r.Questions = append(r.Questions, q)
}

// Parse picks the format from the file extension.
func Parse(name string, data []byte) (*Result, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.InvalidArgument("file %q is empty", name)
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return parseCSV(data)
	case ".yaml", ".yml":
		return parseYAML(data)
	}

	return nil, errors.InvalidArgument("unsupported file type %q, expected .csv, .yaml or .yml", filepath.Ext(name))
}

func parseCSV(data []byte) (*Result, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, errors.InvalidArgument("read csv header: %v", err)
	}
	cols, err := columns(header)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	for {
		rec, err := r.Read()
		if stderrors.Is(err, io.EOF) {
			break
		}

		var perr *csv.ParseError
		if stderrors.As(err, &perr) {
			res.add(nil, perr)
			continue
		}
		if err != nil {
			return nil, errors.InvalidArgument("read csv: %v", err)
		}
		if blank(rec) {
			continue
		}

		res.add(fromRecord(cols, rec))
	}

	return res, nil
}

func columns(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}

	for _, h := range []string{"question", "answer1", "answer2", "correct"} {
		if _, ok := cols[h]; !ok {
			return nil, errors.InvalidArgument("csv header is missing column %q", h)
		}
	}

	return cols, nil
}

func blank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func fromRecord(cols map[string]int, rec []string) (*domain.Question, error) {
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	q := &domain.Question{
		QuestionText: field("question"),
		Explanation:  field("explanation"),
	}

	for i := 1; i <= answerColumns; i++ {
		text := field("answer" + strconv.Itoa(i))
		if text == "" {
			continue
		}
		q.Answers = append(q.Answers, domain.Answer{ID: len(q.Answers) + 1, AnswerText: text})
	}

	correct, err := strconv.Atoi(field("correct"))
	if err != nil || correct < 1 || correct > len(q.Answers) {
		return nil, fmt.Errorf("correct must be the number of an answer between 1 and %d, got %q", len(q.Answers), field("correct"))
	}
	q.Answers[correct-1].Correct = true

	if s := field("ordered"); s != "" {
		ordered, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("ordered must be true or false, got %q", s)
		}
		q.Ordered = ordered
	}

	for _, t := range strings.Split(field("tags"), ";") {
		if t = strings.TrimSpace(t); t != "" {
			q.Tags = append(q.Tags, t)
		}
	}

	return q, nil
}

type yamlAnswer struct {
	Text    string `yaml:"text"`
	Correct bool   `yaml:"correct"`
}

type yamlQuestion struct {
	Question    string       `yaml:"question"`
	Answers     []yamlAnswer `yaml:"answers"`
	Ordered     bool         `yaml:"ordered"`
	Tags        []string     `yaml:"tags"`
	Categories  []int        `yaml:"categories"`
	Explanation string       `yaml:"explanation"`
}

func parseYAML(data []byte) (*Result, error) {
	var items []yaml.Node
	if err := yaml.Unmarshal(data, &items); err != nil {
		return nil, errors.InvalidArgument("parse yaml: expected a list of questions: %v", err)
	}

	res := &Result{}
	for i := range items {
		var y yamlQuestion
		if err := items[i].Decode(&y); err != nil {
			res.add(nil, err)
			continue
		}

		q := &domain.Question{
			QuestionText: strings.TrimSpace(y.Question),
			Ordered:      y.Ordered,
			Tags:         y.Tags,
			CategoryIDs:  y.Categories,
			Explanation:  strings.TrimSpace(y.Explanation),
		}
		for j, a := range y.Answers {
			q.Answers = append(q.Answers, domain.Answer{ID: j + 1, AnswerText: strings.TrimSpace(a.Text), Correct: a.Correct})
		}

		res.add(q, nil)
	}

	return res, nil
}
