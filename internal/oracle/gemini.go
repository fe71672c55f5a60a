// Package oracle implements the knowledge oracle behind the investigation
// tree: grounded web search, structured finding extraction, saturation
// estimation, follow-up generation, and tree-level summarization, backed by
// the Gemini REST API with a DuckDuckGo fallback for ungrounded search.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"deepnerd/internal/logging"
	"deepnerd/internal/tree"
	"deepnerd/internal/usage"
)

// Config holds the oracle client settings.
type Config struct {
	APIKey          string
	BaseURL         string
	Model           string
	SummaryModel    string
	Timeout         time.Duration
	EnableGrounding bool
	MaxRetries      int
}

// DefaultConfig returns sensible defaults for the Gemini oracle.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:          apiKey,
		BaseURL:         "https://generativelanguage.googleapis.com/v1beta",
		Model:           "gemini-2.5-flash",
		SummaryModel:    "gemini-2.5-pro",
		Timeout:         120 * time.Second,
		EnableGrounding: true,
		MaxRetries:      3,
	}
}

// GeminiOracle implements tree.Oracle against the Gemini API. Safe for
// concurrent use: per-call state is returned, never stored.
type GeminiOracle struct {
	apiKey          string
	baseURL         string
	model           string
	summaryModel    string
	enableGrounding bool
	maxRetries      int
	httpClient      *http.Client
	tracker         *usage.Tracker
	searcher        *WebSearcher

	mu          sync.Mutex
	lastRequest time.Time
}

var _ tree.Oracle = (*GeminiOracle)(nil)

// NewGeminiOracle creates the oracle client. The tracker may be nil; token
// accounting is then skipped.
func NewGeminiOracle(cfg Config, tracker *usage.Tracker) *GeminiOracle {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.5-flash"
	}
	summaryModel := strings.TrimSpace(cfg.SummaryModel)
	if summaryModel == "" {
		summaryModel = model
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &GeminiOracle{
		apiKey:          cfg.APIKey,
		baseURL:         baseURL,
		model:           model,
		summaryModel:    summaryModel,
		enableGrounding: cfg.EnableGrounding,
		maxRetries:      maxRetries,
		httpClient:      &http.Client{Timeout: timeout},
		tracker:         tracker,
		searcher:        NewWebSearcher(),
	}
}

// SetWebSearcher replaces the fallback searcher. Used by tests and by
// callers that need a proxy-aware client.
func (o *GeminiOracle) SetWebSearcher(s *WebSearcher) {
	o.searcher = s
}

// Search answers a question with raw grounded text plus source URLs. With
// grounding disabled the DuckDuckGo fallback serves the call instead.
func (o *GeminiOracle) Search(ctx context.Context, question string) (tree.SearchResult, error) {
	if !o.enableGrounding {
		return o.searcher.Search(ctx, question)
	}

	res, err := o.generate(ctx, generateRequest{
		model:       o.model,
		system:      searchSystemPrompt,
		user:        buildSearchPrompt(question),
		temperature: 0.7,
		grounding:   true,
		operation:   "search",
	})
	if err != nil {
		return tree.SearchResult{}, err
	}
	if strings.TrimSpace(res.text) == "" {
		return tree.SearchResult{}, fmt.Errorf("empty search response")
	}
	return tree.SearchResult{RawText: res.text, Sources: res.sources}, nil
}

// ExtractFindings turns raw search text into structured findings.
func (o *GeminiOracle) ExtractFindings(ctx context.Context, question, rawText string) ([]tree.Finding, error) {
	res, err := o.generate(ctx, generateRequest{
		model:       o.model,
		system:      extractionSystemPrompt,
		user:        buildExtractionPrompt(question, rawText),
		temperature: 0.2,
		jsonOutput:  true,
		operation:   "extract_findings",
	})
	if err != nil {
		return nil, err
	}

	findings, err := parseFindings(res.text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse findings: %w", err)
	}
	return findings, nil
}

// EstimateSaturation scores how redundant the fresh findings are against
// prior knowledge. A response the parser cannot read degrades to the lexical
// overlap estimate rather than failing the node.
func (o *GeminiOracle) EstimateSaturation(ctx context.Context, question string, priorKnowledge []string, findings []tree.Finding) (float64, error) {
	res, err := o.generate(ctx, generateRequest{
		model:       o.model,
		system:      saturationSystemPrompt,
		user:        buildSaturationPrompt(question, priorKnowledge, findings),
		temperature: 0.1,
		jsonOutput:  true,
		operation:   "estimate_saturation",
	})
	if err != nil {
		return 0, err
	}

	score, err := parseSaturation(res.text)
	if err != nil {
		logging.OracleWarn("Unreadable saturation response, using lexical estimate: %v", err)
		return tree.LexicalEstimate(priorKnowledge, findings), nil
	}
	return score, nil
}

// GenerateFollowUps proposes candidate sub-questions for a completed node.
func (o *GeminiOracle) GenerateFollowUps(ctx context.Context, question string, findings []tree.Finding, allowedTypes []tree.QuestionType, alreadyAsked []string) ([]tree.FollowUp, error) {
	res, err := o.generate(ctx, generateRequest{
		model:       o.model,
		system:      followUpSystemPrompt,
		user:        buildFollowUpPrompt(question, findings, allowedTypes, alreadyAsked),
		temperature: 0.6,
		jsonOutput:  true,
		operation:   "generate_follow_ups",
	})
	if err != nil {
		return nil, err
	}

	followUps, err := parseFollowUps(res.text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse follow-ups: %w", err)
	}
	return followUps, nil
}

// Summarize produces tree-level key insights from the union of findings.
func (o *GeminiOracle) Summarize(ctx context.Context, rootQuestion string, findings []tree.Finding) ([]string, error) {
	res, err := o.generate(ctx, generateRequest{
		model:       o.summaryModel,
		system:      insightsSystemPrompt,
		user:        buildInsightsPrompt(rootQuestion, findings),
		temperature: 0.4,
		jsonOutput:  true,
		operation:   "summarize",
	})
	if err != nil {
		return nil, err
	}

	insights, err := parseInsights(res.text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse insights: %w", err)
	}
	return insights, nil
}

// Complete runs a plain text completion outside the tree.Oracle surface.
// The side-effect analyzers use it for their annotation summaries.
func (o *GeminiOracle) Complete(ctx context.Context, system, user string) (string, error) {
	res, err := o.generate(ctx, generateRequest{
		model:       o.model,
		system:      system,
		user:        user,
		temperature: 0.3,
		operation:   "analysis",
	})
	if err != nil {
		return "", err
	}
	return res.text, nil
}

type generateRequest struct {
	model       string
	system      string
	user        string
	temperature float64
	jsonOutput  bool
	grounding   bool
	operation   string
}

type generateResult struct {
	text         string
	sources      []string
	promptTokens int
	outputTokens int
}

// generate performs one generateContent call with rate limiting and bounded
// retry on 429s.
func (o *GeminiOracle) generate(ctx context.Context, gr generateRequest) (generateResult, error) {
	// Apply the client timeout when the context has no deadline of its own.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.httpClient.Timeout)
		defer cancel()
	}

	startTime := time.Now()
	logging.OracleDebug("[Gemini] %s: model=%s system_len=%d user_len=%d", gr.operation, gr.model, len(gr.system), len(gr.user))

	if o.apiKey == "" {
		return generateResult{}, fmt.Errorf("API key not configured")
	}

	// Rate limiting
	o.mu.Lock()
	elapsed := time.Since(o.lastRequest)
	if elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	o.lastRequest = time.Now()
	o.mu.Unlock()

	reqBody := geminiRequest{
		Contents: []geminiContent{
			{
				Role:  "user",
				Parts: []geminiPart{{Text: gr.user}},
			},
		},
		SystemInstruction: &geminiContent{
			Parts: []geminiPart{{Text: gr.system}},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature: gr.temperature,
		},
	}
	if gr.jsonOutput {
		reqBody.GenerationConfig.ResponseMimeType = "application/json"
	}
	if gr.grounding {
		reqBody.Tools = []geminiTool{{GoogleSearch: &geminiGoogleSearch{}}}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return generateResult{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", o.baseURL, gr.model, o.apiKey)

	var lastErr error
	for i := 0; i <= o.maxRetries; i++ {
		if i > 0 {
			time.Sleep(time.Duration(1<<uint(i-1)) * time.Second)
		}

		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
		if err != nil {
			return generateResult{}, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := o.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limit exceeded (429)")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return generateResult{}, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}

		var geminiResp geminiResponse
		if err := json.Unmarshal(body, &geminiResp); err != nil {
			return generateResult{}, fmt.Errorf("failed to parse response: %w", err)
		}
		if geminiResp.Error != nil {
			return generateResult{}, fmt.Errorf("API error: %s", geminiResp.Error.Message)
		}
		if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
			return generateResult{}, fmt.Errorf("no completion returned")
		}

		var sb strings.Builder
		for _, part := range geminiResp.Candidates[0].Content.Parts {
			sb.WriteString(part.Text)
		}

		result := generateResult{
			text:         strings.TrimSpace(sb.String()),
			promptTokens: geminiResp.UsageMetadata.PromptTokenCount,
			outputTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
		}
		if gm := geminiResp.Candidates[0].GroundingMetadata; gm != nil {
			for _, chunk := range gm.GroundingChunks {
				if chunk.Web != nil && chunk.Web.URI != "" {
					result.sources = append(result.sources, chunk.Web.URI)
				}
			}
			if len(result.sources) > 0 {
				logging.OracleDebug("[Gemini] %s: grounding sources=%d queries=%v",
					gr.operation, len(result.sources), gm.WebSearchQueries)
			}
		}

		if o.tracker != nil {
			o.tracker.Track(ctx, gr.model, result.promptTokens, result.outputTokens, gr.operation)
		}

		logging.Oracle("[Gemini] %s: completed in %v response_len=%d tokens=%d",
			gr.operation, time.Since(startTime), len(result.text), geminiResp.UsageMetadata.TotalTokenCount)
		return result, nil
	}

	logging.OracleError("[Gemini] %s: max retries exceeded after %v: %v", gr.operation, time.Since(startTime), lastErr)
	return generateResult{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}
