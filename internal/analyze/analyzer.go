package analyze

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Result is the structured payload the model extracts from a document.
// Deadlines carry dates as strings; the caller parses and validates them.
type Result struct {
	Summary     string              `json:"summary"`
	KeyTerms    []string            `json:"keyTerms"`
	Parties     []string            `json:"parties"`
	Obligations []string            `json:"obligations"`
	Risks       []string            `json:"risks"`
	Deadlines   []DeadlineCandidate `json:"deadlines"`
}

type DeadlineCandidate struct {
	Title string `json:"title"`
	Date  string `json:"date"`
}

// Client calls an OpenAI-compatible chat completion endpoint. A zero-valued
// or unreachable backend degrades to an empty result, never an error; the
// document flow must not depend on the model being up.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	log        *zap.Logger
}

func NewClient(baseURL, apiKey, model string, log *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		log:        log,
	}
}

// Configured reports whether the client has credentials to call out with.
func (c *Client) Configured() bool {
	return c.apiKey != "" && c.baseURL != ""
}

// Analyze extracts insights from document text. On any failure it logs and
// returns the empty result.
func (c *Client) Analyze(ctx context.Context, title, text string) Result {
	if !c.Configured() {
		return emptyResult()
	}

	result, err := c.complete(ctx, title, text)
	if err != nil {
		c.log.Warn("analysis unavailable", zap.String("title", title), zap.Error(err))
		return emptyResult()
	}
	return normalize(result)
}

func (c *Client) complete(ctx context.Context, title, text string) (Result, error) {
	if len(text) > 12000 {
		text = text[:12000]
	}

	body, err := json.Marshal(map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{
				"role": "system",
				"content": "You are a legal document analyst. Respond with a single JSON object " +
					`with keys "summary" (string), "keyTerms" (array of strings), "parties" (array of strings), ` +
					`"obligations" (array of strings), "risks" (array of strings) and "deadlines" ` +
					`(array of {"title","date"} with date in YYYY-MM-DD). No prose outside the JSON.`,
			},
			{
				"role":    "user",
				"content": fmt.Sprintf("Document title: %s\n\nDocument text:\n%s", title, text),
			},
		},
		"temperature": 0.2,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("call model: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("model returned %d", resp.StatusCode)
	}

	var envelope struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	if len(envelope.Choices) == 0 {
		return Result{}, fmt.Errorf("no completion choices")
	}

	return ParseResult(envelope.Choices[0].Message.Content)
}

// ParseResult pulls the JSON object out of a completion, tolerating prose or
// code fences around it.
func ParseResult(content string) (Result, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return Result{}, fmt.Errorf("no JSON object in completion")
	}

	var result Result
	if err := json.Unmarshal([]byte(content[start:end+1]), &result); err != nil {
		return Result{}, fmt.Errorf("decode completion: %w", err)
	}
	return result, nil
}

func emptyResult() Result {
	return Result{
		KeyTerms:    []string{},
		Parties:     []string{},
		Obligations: []string{},
		Risks:       []string{},
		Deadlines:   []DeadlineCandidate{},
	}
}

func normalize(r Result) Result {
	if r.KeyTerms == nil {
		r.KeyTerms = []string{}
	}
	if r.Parties == nil {
		r.Parties = []string{}
	}
	if r.Obligations == nil {
		r.Obligations = []string{}
	}
	if r.Risks == nil {
		r.Risks = []string{}
	}
	if r.Deadlines == nil {
		r.Deadlines = []DeadlineCandidate{}
	}
	return r
}
