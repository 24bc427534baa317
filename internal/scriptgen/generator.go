// Package scriptgen wraps the AI backend that turns an animation request into
// rendering-engine source code. The adapter is deliberately thin: it enforces
// the caller's timeout and classifies failures, but never retries. Retry
// policy belongs to the lifecycle controller.
package scriptgen

import (
	"context"
	"errors"
	"strings"
	"unicode"
)

var (
	ErrGenerationFailed   = errors.New("script generation failed")
	ErrGenerationRejected = errors.New("script generation rejected by upstream policy")
	ErrGenerationTimeout  = errors.New("script generation timed out")
)

// Script is the generation result: engine source text plus the scene class
// name the engine will render. The scene name is derived from the topic, not
// parsed back out of the model output, so artifact lookup stays deterministic.
type Script struct {
	Source    string
	SceneName string
}

type Generator interface {
	Generate(ctx context.Context, topic, description string) (Script, error)
}

// SceneName converts a free-form topic into a valid scene class name:
// "circle area" -> "CircleAreaScene". A leading digit gets an "Anim" prefix
// because class names cannot start with a number.
func SceneName(topic string) string {
	var cleaned strings.Builder
	for _, r := range topic {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			cleaned.WriteRune(r)
		} else {
			cleaned.WriteRune(' ')
		}
	}

	var name strings.Builder
	for _, word := range strings.Fields(cleaned.String()) {
		runes := []rune(word)
		name.WriteRune(unicode.ToUpper(runes[0]))
		name.WriteString(string(runes[1:]))
	}

	result := name.String()
	switch {
	case result == "":
		result = "Animation"
	case unicode.IsDigit([]rune(result)[0]):
		result = "Anim" + result
	}
	return result + "Scene"
}

// CleanOutput strips the artifacts language models wrap around code: leading
// prose before the first import, markdown fences, and trailing explanation
// after the class body.
func CleanOutput(raw string) string {
	script := raw

	firstImport := len(script)
	for _, keyword := range []string{"from manim import", "import manim", "import numpy"} {
		if pos := strings.Index(script, keyword); pos != -1 && pos < firstImport {
			firstImport = pos
		}
	}
	if firstImport < len(script) {
		script = script[firstImport:]
	}

	script = strings.ReplaceAll(script, "```python", "")
	script = strings.ReplaceAll(script, "```", "")

	lines := strings.Split(script, "\n")
	last := len(lines) - 1
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], " \t")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "    ") || strings.HasPrefix(line, "\t") || strings.Contains(line, "class ") {
			last = i
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines[:last+1], "\n"))
}

// ValidateSource rejects output that cannot possibly render: no scene class
// or no construct method means the engine would fail immediately.
func ValidateSource(source string) error {
	if !strings.Contains(source, "class ") || !strings.Contains(source, "Scene") {
		return errors.New("generated script is missing a scene class definition")
	}
	if !strings.Contains(source, "def construct(self):") {
		return errors.New("generated script is missing a construct method")
	}
	return nil
}
