package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/plantastic/plantd/internal/config"
	"github.com/plantastic/plantd/internal/store"
	"github.com/plantastic/plantd/internal/telemetry"
)

// defaultEndpoint is the Gemini generateContent API base.
const defaultEndpoint = "https://generativelanguage.googleapis.com/v1beta/models/"

// GeminiClient is a Provider backed by the Gemini generateContent API.
// The response schema pins the model to the Result JSON shape.
type GeminiClient struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGeminiClient creates a Gemini provider from configuration.
func NewGeminiClient(cfg config.AnalysisConfig, logger *slog.Logger) *GeminiClient {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &GeminiClient{
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
		logger: logger,
	}
}

// Wire types for the generateContent request and response.

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature      float64        `json:"temperature"`
	TopK             int            `json:"topK"`
	TopP             float64        `json:"topP"`
	MaxOutputTokens  int            `json:"maxOutputTokens"`
	CandidateCount   int            `json:"candidateCount"`
	ResponseMimeType string         `json:"responseMimeType"`
	ResponseSchema   map[string]any `json:"responseSchema"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// resultSchema constrains the model's output to the Result shape.
func resultSchema() map[string]any {
	stringArray := map[string]any{
		"type":  "ARRAY",
		"items": map[string]any{"type": "STRING"},
	}
	return map[string]any{
		"type": "OBJECT",
		"properties": map[string]any{
			"needs_attention": map[string]any{"type": "BOOLEAN"},
			"health_status":   map[string]any{"type": "STRING"},
			"issues":          stringArray,
			"recommendations": stringArray,
		},
		"required": []string{"needs_attention", "health_status", "issues", "recommendations"},
	}
}

// Analyze sends the reading history to Gemini and decodes the
// structured assessment.
func (c *GeminiClient) Analyze(ctx context.Context, readings []*telemetry.Reading, device *store.Device, language string) (*Result, error) {
	if len(readings) == 0 {
		return nil, fmt.Errorf("analyze %s: no readings", device.Name)
	}

	req := geminiRequest{
		Contents: []geminiContent{
			{Parts: []geminiPart{{Text: BuildPrompt(readings, device, language)}}},
		},
		GenerationConfig: generationConfig{
			Temperature:      0.7,
			TopK:             32,
			TopP:             1,
			MaxOutputTokens:  2048,
			CandidateCount:   1,
			ResponseMimeType: "application/json",
			ResponseSchema:   resultSchema(),
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal analysis request: %w", err)
	}

	url := c.endpoint + c.model + ":generateContent?key=" + c.apiKey
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create analysis request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Log(ctx, config.LevelTrace, "analysis request",
		"model", c.model, "payload", string(body))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("analysis request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read analysis response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analysis API error %d: %s", resp.StatusCode, string(respBody))
	}

	c.logger.Log(ctx, config.LevelTrace, "analysis response", "payload", string(respBody))

	var gr geminiResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return nil, fmt.Errorf("decode analysis response: %w", err)
	}

	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("analysis response has no candidates")
	}

	return ParseResult(gr.Candidates[0].Content.Parts[0].Text)
}

// ParseResult decodes the model's JSON text into a Result, tolerating
// markdown code fences some models wrap around JSON output.
func ParseResult(text string) (*Result, error) {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty analysis result")
	}

	var result Result
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, fmt.Errorf("decode analysis result: %w", err)
	}
	return &result, nil
}

// BuildPrompt renders the analysis prompt. Only channels enabled by
// the device's inclusion flags are described, and the model is asked
// to answer in the owner's language.
func BuildPrompt(readings []*telemetry.Reading, device *store.Device, language string) string {
	if language == "" {
		language = "English"
	}

	var samples strings.Builder
	for _, r := range readings {
		fmt.Fprintf(&samples, "Time: %s UTC\n", r.SampledAt().Format("2006-01-02 15:04:05"))
		if device.IncludeLight {
			fmt.Fprintf(&samples, "    - Light Level: %g lux\n", r.Light)
		}
		if device.IncludeMoisture {
			fmt.Fprintf(&samples, "    - Soil Moisture: %d%%\n", r.SoilMoisture)
		}
		if device.IncludeTemperature {
			fmt.Fprintf(&samples, "    - Temperature: %g°C\n", r.Temperature)
		}
		if device.IncludeHumidity {
			fmt.Fprintf(&samples, "    - Humidity: %d%%\n", r.Humidity)
		}
		if device.IncludeSalt {
			fmt.Fprintf(&samples, "    - Salt Level: %d\n", r.Salt)
		}
		if device.IncludeBattery {
			fmt.Fprintf(&samples, "    - Battery Level: %d%%\n", r.Battery)
		}
	}

	spanHours := readings[len(readings)-1].SampledAt().Sub(readings[0].SampledAt()).Hours()

	return fmt.Sprintf(`You are a friendly and knowledgeable plant care expert. Analyze the sensor data history for this %[1]s and provide a detailed, caring assessment in %[2]s language.

Plant: %[1]s
Time Period: %[3]d measurements over %.1[4]f hours

Sensor Data History:
%[5]s
Consider the specific needs of %[1]s and provide a thorough analysis that would be helpful and reassuring to a plant owner.
Analyze trends over time and identify any concerning patterns.
If there are issues, explain them clearly but gently, and provide specific, actionable recommendations.

For the health status, use friendly phrases like:
- 'Happy and thriving!'
- 'Doing well, but could use some minor adjustments'
- 'Needs a little extra care and attention'
- 'Could use some help to get back to optimal health'

For issues and recommendations, be specific and encouraging, explaining why each adjustment will help.

Please provide the response in %[2]s language.`,
		device.Name, language, len(readings), spanHours, samples.String())
}
