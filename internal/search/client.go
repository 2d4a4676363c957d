// Package search calls the search backend that indexes published questions.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/victornm/quizbank/internal/domain"
	"github.com/victornm/quizbank/internal/errors"
)

const defaultTimeout = 10 * time.Second

type Config struct {
	// URL is the base URL of the backend, e.g. https://functions.example.com.
	URL     string
	Timeout time.Duration
	HTTP    *http.Client
}

type Client struct {
	base    string
	timeout time.Duration
	http    *http.Client
}

func NewClient(c Config) *Client {
	cl := &Client{
		base:    strings.TrimRight(c.URL, "/"),
		timeout: c.Timeout,
		http:    c.HTTP,
	}

	if cl.timeout <= 0 {
		cl.timeout = defaultTimeout
	}
	if cl.http == nil {
		cl.http = http.DefaultClient
	}

	return cl
}

// QuestionOfTheDay returns the question the backend picked for today.
func (c *Client) QuestionOfTheDay(ctx context.Context) (*domain.Question, error) {
	var q domain.Question
	if err := c.do(ctx, http.MethodGet, c.base+"/app/getQuestionOfTheDay", nil, &q); err != nil {
		return nil, err
	}

	return &q, nil
}

// Search returns one page of published questions matching criteria.
func (c *Client) Search(ctx context.Context, startRow, pageSize int, criteria domain.SearchCriteria) (*domain.SearchResults, error) {
	if startRow < 0 || pageSize <= 0 {
		return nil, errors.InvalidArgument("invalid page: start=%d size=%d", startRow, pageSize)
	}

	body, err := json.Marshal(criteria)
	if err != nil {
		return nil, fmt.Errorf("search: encode criteria: %w", err)
	}

	url := c.base + "/app/getQuestions/" + strconv.Itoa(startRow) + "/" + strconv.Itoa(pageSize)

	var res domain.SearchResults
	if err := c.do(ctx, http.MethodPost, url, body, &res); err != nil {
		return nil, err
	}

	return &res, nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, dst any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return fmt.Errorf("search: new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.New(errors.CodeUnavailable,
			errors.WithMessagef("search backend unreachable"),
			errors.WithCause(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.CodeUnavailable,
			errors.WithMessagef("search backend returned status %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("search: decode response: %w", err)
	}

	return nil
}
