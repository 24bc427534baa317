package scriptgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

type GeminiConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	Timeout     time.Duration
	MaxDuration int
	MaxObjects  int
}

// GeminiGenerator calls the generateContent REST endpoint. One request per
// Generate call; the timeout is enforced here so a hung upstream cannot stall
// a pipeline run past its budget.
type GeminiGenerator struct {
	httpClient  *http.Client
	apiKey      string
	model       string
	baseURL     string
	timeout     time.Duration
	maxDuration int
	maxObjects  int
}

func NewGeminiGenerator(cfg GeminiConfig) (*GeminiGenerator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("gemini model is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	maxDuration := cfg.MaxDuration
	if maxDuration <= 0 {
		maxDuration = 12
	}
	maxObjects := cfg.MaxObjects
	if maxObjects <= 0 {
		maxObjects = 50
	}

	return &GeminiGenerator{
		httpClient:  &http.Client{Timeout: timeout},
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		baseURL:     baseURL,
		timeout:     timeout,
		maxDuration: maxDuration,
		maxObjects:  maxObjects,
	}, nil
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (g *GeminiGenerator) Generate(ctx context.Context, topic, description string) (Script, error) {
	sceneName := SceneName(topic)

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{
			{Parts: []geminiPart{{Text: g.prompt(topic, description, sceneName)}}},
		},
	})
	if err != nil {
		return Script{}, fmt.Errorf("%w: marshal request: %v", ErrGenerationFailed, err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.baseURL, g.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Script{}, fmt.Errorf("%w: build request: %v", ErrGenerationFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return Script{}, fmt.Errorf("%w: no response within %s", ErrGenerationTimeout, g.timeout)
		}
		return Script{}, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return Script{}, fmt.Errorf("%w: response cut off after %s", ErrGenerationTimeout, g.timeout)
		}
		return Script{}, fmt.Errorf("%w: read response: %v", ErrGenerationFailed, err)
	}

	var parsed geminiResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return Script{}, fmt.Errorf("%w: decode response: %v", ErrGenerationFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		if parsed.Error.Message != "" {
			return Script{}, fmt.Errorf("%w: upstream status=%d: %s", ErrGenerationFailed, resp.StatusCode, parsed.Error.Message)
		}
		return Script{}, fmt.Errorf("%w: upstream status=%d", ErrGenerationFailed, resp.StatusCode)
	}

	if parsed.PromptFeedback.BlockReason != "" {
		return Script{}, fmt.Errorf("%w: prompt blocked: %s", ErrGenerationRejected, parsed.PromptFeedback.BlockReason)
	}
	if len(parsed.Candidates) == 0 {
		return Script{}, fmt.Errorf("%w: upstream returned no candidates", ErrGenerationFailed)
	}

	candidate := parsed.Candidates[0]
	if reason := candidate.FinishReason; reason == "SAFETY" || reason == "PROHIBITED_CONTENT" {
		return Script{}, fmt.Errorf("%w: candidate finished with %s", ErrGenerationRejected, reason)
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		text.WriteString(part.Text)
	}

	source := CleanOutput(text.String())
	if err := ValidateSource(source); err != nil {
		return Script{}, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	return Script{Source: source, SceneName: sceneName}, nil
}

func (g *GeminiGenerator) prompt(topic, description, sceneName string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are an expert Manim animation developer. Generate a complete, working Manim script for the following:\n\n")
	fmt.Fprintf(&b, "Topic: %s\n", topic)
	if strings.TrimSpace(description) != "" {
		fmt.Fprintf(&b, "Description: %s\n", description)
	}
	fmt.Fprintf(&b, `
Requirements:
1. Use the class name: %s
2. The script must be complete and executable
3. Use modern Manim syntax (from manim import *)
4. Include interesting visual effects and animations
5. Make it educational and visually appealing
6. Duration should be at most %d seconds
7. Create at most %d mobjects in total
8. Include necessary imports (numpy, etc.)

CRITICAL SYNTAX RULES:
- NEVER use RunAnimation() - it's deprecated
- Pass animations directly to self.play(): self.play(Create(obj), Write(text))
- For 3D scenes, use self.move_camera() or self.begin_ambient_camera_rotation()
- Use only documented Manim methods and classes

IMPORTANT:
- Return ONLY the Python code, no explanations
- Do not include markdown code blocks
- Start directly with imports
`, sceneName, g.maxDuration, g.maxObjects)
	return b.String()
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
