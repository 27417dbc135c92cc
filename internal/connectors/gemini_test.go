package connectors

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"morphogen/internal/genome"
	"morphogen/internal/pipeline"
)

func TestUnconfiguredGeneratorIsUnavailable(t *testing.T) {
	g, err := NewGeminiGenerator(context.Background(), "", "", zap.NewNop())
	require.NoError(t, err)

	bp := &genome.Blueprint{Name: "perception.fswatch", Description: "watch files"}
	_, err = g.Generate(context.Background(), bp, pipeline.Context{})
	assert.ErrorIs(t, err, pipeline.ErrUnavailable)
}

func TestBuildPromptIncludesBlueprintAndContext(t *testing.T) {
	bp := &genome.Blueprint{
		Name:         "memory.journal",
		Description:  "append events to a journal",
		Dependencies: []string{"perception.*"},
	}
	gc := pipeline.Context{
		ActiveUnits: []string{"perception.fswatch"},
		Feedback:    []string{"denylisted import: os/exec"},
	}

	prompt := BuildPrompt(bp, gc)
	assert.Contains(t, prompt, "memory.journal")
	assert.Contains(t, prompt, "append events to a journal")
	assert.Contains(t, prompt, "perception.*")
	assert.Contains(t, prompt, "perception.fswatch")
	assert.Contains(t, prompt, "denylisted import: os/exec")
	assert.Contains(t, prompt, "package main")
	assert.Contains(t, prompt, "Start()")
}

func TestBuildPromptOmitsEmptySections(t *testing.T) {
	bp := &genome.Blueprint{Name: "a.b", Description: "d"}
	prompt := BuildPrompt(bp, pipeline.Context{})
	assert.NotContains(t, prompt, "already running")
	assert.NotContains(t, prompt, "rejected")
}

func TestSanitizeFeedback(t *testing.T) {
	assert.Equal(t, "syntax error near func", SanitizeFeedback("syntax  error\nnear\tfunc"))
	assert.NotContains(t, SanitizeFeedback("bad ```go\ncode``` block"), "```")
	assert.NotContains(t, SanitizeFeedback("tmpl {{.Secret}} leak"), "{{")

	long := strings.Repeat("x", 2*maxFeedbackLen)
	got := SanitizeFeedback(long)
	assert.Len(t, got, maxFeedbackLen+3)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestStripFences(t *testing.T) {
	fenced := "```go\npackage main\n\nfunc Start() {}\n```"
	assert.Equal(t, "package main\n\nfunc Start() {}\n", StripFences(fenced))

	bare := "package main\n\nfunc Start() {}\n"
	assert.Equal(t, bare, StripFences(bare))

	noLang := "```\npackage main\n```"
	assert.Equal(t, "package main\n", StripFences(noLang))
}
