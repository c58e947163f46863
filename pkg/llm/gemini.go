package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/models"

// GeminiProvider is the "gemini-like" backend: a typed REST adapter over
// the generateContent endpoint. It supports native system instructions,
// JSON response mode, response schemas, thinking budgets, and
// google_search grounding.
type GeminiProvider struct {
	httpClient *http.Client
	apiToken   string
	baseURL    string
}

// NewGeminiProvider builds the provider from an API token and the shared
// outbound HTTP client.
func NewGeminiProvider(apiToken string, httpClient *http.Client) *GeminiProvider {
	return &GeminiProvider{
		httpClient: httpClient,
		apiToken:   apiToken,
		baseURL:    geminiBaseURL,
	}
}

// Name implements Provider.
func (p *GeminiProvider) Name() string { return "gemini" }

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiThinkingConfig struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

type geminiGenerationConfig struct {
	Temperature      *float32              `json:"temperature,omitempty"`
	ResponseMimeType string                `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any        `json:"responseSchema,omitempty"`
	ThinkingConfig   *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type geminiTool struct {
	GoogleSearch map[string]any `json:"google_search,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"system_instruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
	Tools             []geminiTool           `json:"tools,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		GroundingMetadata *struct {
			GroundingChunks []struct {
				Web struct {
					URI   string `json:"uri"`
					Title string `json:"title"`
				} `json:"web"`
			} `json:"groundingChunks"`
			GroundingSupports []struct {
				Segment struct {
					Text string `json:"text"`
				} `json:"segment"`
				GroundingChunkIndices []int `json:"groundingChunkIndices"`
			} `json:"groundingSupports"`
		} `json:"groundingMetadata"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Generate implements Provider.
func (p *GeminiProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	body := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.UserPrompt}}}},
	}
	if req.SystemPrompt != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}

	temp := req.Temperature
	body.GenerationConfig.Temperature = &temp
	if req.ThinkingBudget != nil {
		body.GenerationConfig.ThinkingConfig = &geminiThinkingConfig{
			ThinkingBudget: thinkingBudgetTokens(*req.ThinkingBudget),
		}
	}

	// Grounded search and JSON response mode are mutually exclusive on the
	// wire: when both are requested, search wins and the service extracts
	// JSON from the text afterwards.
	switch {
	case req.Search:
		body.Tools = []geminiTool{{GoogleSearch: map[string]any{}}}
	case req.IsJSON:
		body.GenerationConfig.ResponseMimeType = "application/json"
		if req.ResponseSchema != nil {
			body.GenerationConfig.ResponseSchema = req.ResponseSchema
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize gemini request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s:generateContent", p.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to build gemini request: %w", err)
	}
	httpReq.Header.Set("x-goog-api-key", p.apiToken)
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

	var parsed geminiResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse gemini payload: %w", err)
	}
	if parsed.Error != nil {
		status := httpResp.StatusCode
		if parsed.Error.Code != 0 {
			status = parsed.Error.Code
		}
		return nil, &ProviderError{Provider: p.Name(), Model: req.Model, StatusCode: status, Message: parsed.Error.Message}
	}
	if len(parsed.Candidates) == 0 {
		return nil, ErrEmptyResponse
	}

	var text strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	if text.Len() == 0 {
		return nil, ErrEmptyResponse
	}

	resp := &Response{
		Text:             text.String(),
		PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
		CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
	}

	if gm := parsed.Candidates[0].GroundingMetadata; gm != nil {
		for _, chunk := range gm.GroundingChunks {
			if chunk.Web.URI == "" {
				continue
			}
			resp.Sources = append(resp.Sources, Source{Title: chunk.Web.Title, URL: chunk.Web.URI})
		}
		if len(gm.GroundingSupports) > 0 {
			resp.SegmentSources = make(map[string]string, len(gm.GroundingSupports))
			for _, support := range gm.GroundingSupports {
				if support.Segment.Text == "" || len(support.GroundingChunkIndices) == 0 {
					continue
				}
				idx := support.GroundingChunkIndices[0]
				if idx >= 0 && idx < len(resp.Sources) {
					resp.SegmentSources[support.Segment.Text] = resp.Sources[idx].URL
				}
			}
		}
	}

	return resp, nil
}
