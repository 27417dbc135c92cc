// Package connectors holds generator backends for the evolution pipeline.
package connectors

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"morphogen/internal/genome"
	"morphogen/internal/pipeline"
)

// =============================================================================
// GOOGLE GENAI GENERATOR
// =============================================================================

// maxFeedbackLen bounds each validator diagnostic before it is echoed back
// into a prompt.
const maxFeedbackLen = 500

// GeminiGenerator produces unit source through the Gemini API.
type GeminiGenerator struct {
	client *genai.Client
	model  string
	log    *zap.Logger
}

// NewGeminiGenerator creates a generator. An empty API key is not an
// error; the generator reports pipeline.ErrUnavailable on use so the
// kernel can run generation-less.
func NewGeminiGenerator(ctx context.Context, apiKey, model string, log *zap.Logger) (*GeminiGenerator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	g := &GeminiGenerator{model: model, log: log}
	if apiKey == "" {
		log.Warn("no API key configured, generator will be unavailable")
		return g, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	g.client = client
	return g, nil
}

// Generate implements pipeline.Generator.
func (g *GeminiGenerator) Generate(ctx context.Context, bp *genome.Blueprint, gc pipeline.Context) (string, error) {
	if g.client == nil {
		return "", pipeline.ErrUnavailable
	}

	prompt := BuildPrompt(bp, gc)
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("gemini returned an empty response")
	}

	g.log.Debug("generated candidate",
		zap.String("unit", bp.Name), zap.Int("bytes", len(text)))
	return StripFences(text), nil
}

// BuildPrompt assembles the generation prompt from the blueprint, the
// currently active units, and sanitized feedback from prior attempts.
func BuildPrompt(bp *genome.Blueprint, gc pipeline.Context) string {
	var b strings.Builder
	b.WriteString("Write a single Go source file implementing this capability unit.\n\n")
	fmt.Fprintf(&b, "Unit name: %s\n", bp.Name)
	fmt.Fprintf(&b, "Purpose: %s\n", bp.Description)
	if len(bp.Dependencies) > 0 {
		fmt.Fprintf(&b, "Depends on units: %s\n", strings.Join(bp.Dependencies, ", "))
	}

	b.WriteString("\nContract:\n")
	b.WriteString("- declare 'package main'\n")
	b.WriteString("- expose a zero-argument Start() or Start() error entry point\n")
	b.WriteString("- use only the standard library, excluding os/exec, net, plugin, syscall, unsafe, reflect, encoding/gob, os/signal\n")
	b.WriteString("- respond with Go source only, no prose and no code fences\n")

	if len(gc.ActiveUnits) > 0 {
		fmt.Fprintf(&b, "\nUnits already running: %s\n", strings.Join(gc.ActiveUnits, ", "))
	}

	if len(gc.Feedback) > 0 {
		b.WriteString("\nPrior attempts were rejected. Fix these problems:\n")
		for _, diag := range gc.Feedback {
			fmt.Fprintf(&b, "- %s\n", SanitizeFeedback(diag))
		}
	}
	return b.String()
}

// SanitizeFeedback bounds and de-fangs a validator diagnostic before it
// re-enters a prompt: diagnostics quote generated code, which may itself
// contain fences or prompt-shaped text.
func SanitizeFeedback(diag string) string {
	diag = strings.ReplaceAll(diag, "```", "")
	diag = strings.ReplaceAll(diag, "{{", "")
	diag = strings.ReplaceAll(diag, "}}", "")
	diag = strings.Join(strings.Fields(diag), " ")
	if len(diag) > maxFeedbackLen {
		diag = diag[:maxFeedbackLen] + "..."
	}
	return diag
}

// StripFences unwraps a fenced code block if the model ignored the
// no-fences instruction.
func StripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return text
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return text
	}
	// Drop the opening fence (possibly "```go") and a trailing fence.
	lines = lines[1:]
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n") + "\n"
}
