package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const openAIResponsesURL = "https://api.openai.com/v1/responses"

// OpenAIProvider is the "openai-like" backend. Plain and JSON-mode
// generation go through the Chat Completions SDK; search-grounded calls
// use the Responses API with the web_search tool via a typed REST adapter
// over the shared HTTP pool.
type OpenAIProvider struct {
	chat       *openai.Client
	httpClient *http.Client
	apiKey     string
}

// NewOpenAIProvider builds the provider from an API key and the shared
// outbound HTTP client.
func NewOpenAIProvider(apiKey string, httpClient *http.Client) *OpenAIProvider {
	return &OpenAIProvider{
		chat:       openai.NewClient(apiKey),
		httpClient: httpClient,
		apiKey:     apiKey,
	}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// Generate implements Provider.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	if req.Search {
		return p.generateSearch(ctx, req)
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserPrompt,
	})

	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
	}
	if req.IsJSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := p.chat.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(req.Model, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, ErrEmptyResponse
	}

	return &Response{
		Text:             resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// --- Responses API (web search) ---

type openAIResponsesRequest struct {
	Model        string               `json:"model"`
	Instructions string               `json:"instructions,omitempty"`
	Input        string               `json:"input"`
	Temperature  *float32             `json:"temperature,omitempty"`
	Tools        []openAITool         `json:"tools"`
	Text         *openAITextFormatEnv `json:"text,omitempty"`
}

type openAITool struct {
	Type              string              `json:"type"`
	SearchContextSize string              `json:"search_context_size,omitempty"`
	UserLocation      *openAIUserLocation `json:"user_location,omitempty"`
}

type openAIUserLocation struct {
	Type    string `json:"type"`
	Country string `json:"country,omitempty"`
	City    string `json:"city,omitempty"`
}

type openAITextFormatEnv struct {
	Format openAITextFormat `json:"format"`
}

type openAITextFormat struct {
	Type   string         `json:"type"`
	Name   string         `json:"name,omitempty"`
	Schema map[string]any `json:"schema,omitempty"`
	Strict bool           `json:"strict,omitempty"`
}

type openAIResponsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			Annotations []struct {
				Type  string `json:"type"`
				URL   string `json:"url"`
				Title string `json:"title"`
			} `json:"annotations"`
		} `json:"content"`
	} `json:"output"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *OpenAIProvider) generateSearch(ctx context.Context, req Request) (*Response, error) {
	tool := openAITool{Type: "web_search_preview"}
	if req.SearchContextSize != "" {
		tool.SearchContextSize = string(req.SearchContextSize)
	}
	if req.UserLocation != "" {
		tool.UserLocation = &openAIUserLocation{Type: "approximate", Country: req.UserLocation}
	}

	temp := req.Temperature
	body := openAIResponsesRequest{
		Model:        req.Model,
		Instructions: req.SystemPrompt,
		Input:        req.UserPrompt,
		Temperature:  &temp,
		Tools:        []openAITool{tool},
	}
	if req.ResponseSchema != nil {
		body.Text = &openAITextFormatEnv{Format: openAITextFormat{
			Type:   "json_schema",
			Name:   "response",
			Schema: req.ResponseSchema,
			Strict: true,
		}}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize responses request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, openAIResponsesURL, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to build responses request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Model: req.Model, Message: err.Error()}
	}
	defer func() { _ = httpResp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(httpResp.Body, 16<<20))
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Model: req.Model, Message: err.Error()}
	}
	if httpResp.StatusCode >= 400 {
		return nil, &ProviderError{
			Provider:   p.Name(),
			Model:      req.Model,
			StatusCode: httpResp.StatusCode,
			Message:    strings.TrimSpace(string(payload)),
		}
	}

	var parsed openAIResponsesResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse responses payload: %w", err)
	}
	if parsed.Error != nil {
		return nil, &ProviderError{Provider: p.Name(), Model: req.Model, StatusCode: httpResp.StatusCode, Message: parsed.Error.Message}
	}

	var (
		text    strings.Builder
		sources []Source
		seen    = map[string]struct{}{}
	)
	for _, out := range parsed.Output {
		if out.Type != "message" {
			continue
		}
		for _, content := range out.Content {
			if content.Type != "output_text" {
				continue
			}
			text.WriteString(content.Text)
			for _, ann := range content.Annotations {
				if ann.Type != "url_citation" || ann.URL == "" {
					continue
				}
				if _, dup := seen[ann.URL]; dup {
					continue
				}
				seen[ann.URL] = struct{}{}
				sources = append(sources, Source{Title: ann.Title, URL: ann.URL})
			}
		}
	}
	if text.Len() == 0 {
		return nil, ErrEmptyResponse
	}

	return &Response{
		Text:             text.String(),
		PromptTokens:     parsed.Usage.InputTokens,
		CompletionTokens: parsed.Usage.OutputTokens,
		Sources:          sources,
	}, nil
}

// wrapError converts SDK errors into the shared taxonomy so the service
// can decide on retry and fallback.
func (p *OpenAIProvider) wrapError(model string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Provider:   p.Name(),
			Model:      model,
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
		}
	}
	return &ProviderError{Provider: p.Name(), Model: model, Message: err.Error()}
}
