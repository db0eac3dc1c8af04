// Package llm extracts structured cheque records from document text through
// an OpenAI-compatible chat-completions API.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/boddenberg/cheque-tally-go/internal/domain"
	"github.com/boddenberg/cheque-tally-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("llm")

// Config holds the model endpoint settings.
type Config struct {
	BaseURL     string // e.g. https://api.openai.com/v1
	APIKey      string
	Model       string
	Temperature float64
}

// Client calls the chat-completions endpoint. It implements
// port.ChequeExtractor.
type Client struct {
	httpClient *http.Client
	llm        Config
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
}

// NewClient creates a new Client.
func NewClient(httpClient *http.Client, llm Config, cb *gobreaker.CircuitBreaker, cfg resilience.Config) *Client {
	return &Client{
		httpClient: httpClient,
		llm:        llm,
		cb:         cb,
		cfg:        cfg,
	}
}

// ExtractCompanyCheques extracts issued cheques from one chunk of a company
// expense ledger.
func (c *Client) ExtractCompanyCheques(ctx context.Context, chunk string) (*domain.ChunkExtraction[domain.ExtractedCompanyCheque], error) {
	ctx, span := tracer.Start(ctx, "LLM.ExtractCompanyCheques")
	defer span.End()
	span.SetAttributes(attribute.Int("chunk.length", len(chunk)))

	return extract[domain.ExtractedCompanyCheque](ctx, c, companyPrompt, chunk)
}

// ExtractBankCheques extracts cleared cheques from one chunk of a bank
// statement.
func (c *Client) ExtractBankCheques(ctx context.Context, chunk string) (*domain.ChunkExtraction[domain.ExtractedBankCheque], error) {
	ctx, span := tracer.Start(ctx, "LLM.ExtractBankCheques")
	defer span.End()
	span.SetAttributes(attribute.Int("chunk.length", len(chunk)))

	return extract[domain.ExtractedBankCheque](ctx, c, bankPrompt, chunk)
}

func extract[T any](ctx context.Context, c *Client, prompt, chunk string) (*domain.ChunkExtraction[T], error) {
	content, usage, err := c.complete(ctx, strings.Replace(prompt, "{text}", chunk, 1))
	if err != nil {
		return nil, err
	}

	var out domain.ChunkExtraction[T]
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &out); err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}
	out.Usage = usage
	return &out, nil
}

// --- wire types ---

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage domain.TokenUsage `json:"usage"`
}

// complete sends one user message and returns the first choice's content.
func (c *Client) complete(ctx context.Context, prompt string) (string, domain.TokenUsage, error) {
	var chatResp chatResponse

	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			body, err := json.Marshal(chatRequest{
				Model:          c.llm.Model,
				Messages:       []chatMessage{{Role: "user", Content: prompt}},
				Temperature:    c.llm.Temperature,
				ResponseFormat: &responseFormat{Type: "json_object"},
			})
			if err != nil {
				return fmt.Errorf("marshal chat request: %w", err)
			}

			url := strings.TrimRight(c.llm.BaseURL, "/") + "/chat/completions"
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("create http request: %w", err)
			}
			httpReq.Header.Set("Content-Type", "application/json")
			httpReq.Header.Set("Authorization", "Bearer "+c.llm.APIKey)

			resp, err := c.httpClient.Do(httpReq)
			if err != nil {
				return fmt.Errorf("http call to model: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				err := fmt.Errorf("chat completions returned status %d", resp.StatusCode)
				if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
					return resilience.Permanent(err)
				}
				return err
			}

			chatResp = chatResponse{}
			return json.NewDecoder(resp.Body).Decode(&chatResp)
		})
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return "", domain.TokenUsage{}, &domain.ErrCircuitOpen{Service: "llm"}
	}
	if err != nil {
		return "", domain.TokenUsage{}, &domain.ErrExternalService{Service: "llm", Err: err}
	}
	if len(chatResp.Choices) == 0 {
		return "", chatResp.Usage, &domain.ErrExternalService{Service: "llm", Err: fmt.Errorf("no choices in response")}
	}

	return chatResp.Choices[0].Message.Content, chatResp.Usage, nil
}

// stripCodeFence removes a surrounding ```json ... ``` block, which some
// models add even in JSON mode.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
