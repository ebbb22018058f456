package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"framelabel/internal/core"
)

const DefaultBaseURL = "https://open.bigmodel.cn/api/paas/v4"

// Client calls an OpenAI-compatible chat completions endpoint with one image
// and one text part per request.
type Client struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	HTTP        *http.Client
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func NewClient(baseURL, apiKey, model string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		HTTP:    &http.Client{},
	}
}

// Infer sends image and prompt and returns the first choice's text.
func (c *Client) Infer(ctx context.Context, image []byte, prompt string) (string, error) {
	if len(image) == 0 {
		return "", core.Failf(core.KindInvalidInput, "empty image")
	}
	mime := http.DetectContentType(image)
	if !strings.HasPrefix(mime, "image/") {
		return "", core.Failf(core.KindInvalidInput, "payload is %s, not an image", mime)
	}

	reqBody := chatRequest{
		Model:       c.Model,
		Temperature: c.Temperature,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "image_url", ImageURL: &imageURL{URL: "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image)}},
				{Type: "text", Text: prompt},
			},
		}},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Body:       string(body),
		}
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &core.Failure{Kind: core.KindMalformed, Message: "decode response envelope", Cause: err}
	}
	if len(out.Choices) == 0 {
		return "", core.Failf(core.KindMalformed, "response has no choices")
	}
	if out.Choices[0].FinishReason == "sensitive" {
		return "", core.Failf(core.KindContentRejected, "response blocked by content filter")
	}
	return out.Choices[0].Message.Content, nil
}

// parseRetryAfter accepts delta-seconds (possibly fractional) or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// Check reports configuration problems that would make every call fail.
func (c *Client) Check() error {
	if c.APIKey == "" {
		return errors.New("api key is required")
	}
	if c.Model == "" {
		return errors.New("model is required")
	}
	return nil
}
