package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedLinkCandidates(t *testing.T) {
	a := New()
	body := "See [[Beta]] and [[beta|the second]] and [[Gamma#Intro]]."
	assert.Equal(t, []string{"Beta", "Gamma"}, a.RedLinkCandidates(body))
	assert.Empty(t, a.RedLinkCandidates("no links here"))
}

func TestQuestions(t *testing.T) {
	a := New()
	body := `---
title: "Why is this in front matter?"
---
# Sleep

Sleep consolidates memory.

## Questions

- Why does REM sleep matter for [[Memory|recall]]?
- How does caffeine interfere with adenosine?
- Why does REM sleep matter for recall?
- What do you think about naps?
- Can you explain this?
- It helps, right?
- Too short?
1. What limits deep sleep in older adults?

` + "```" + `
How is this code?
` + "```" + `
`
	assert.Equal(t, []string{
		"Why does REM sleep matter for recall?",
		"How does caffeine interfere with adenosine?",
		"What limits deep sleep in older adults?",
	}, a.Questions(body))
}

func TestQuestionsCustomDenylist(t *testing.T) {
	a := &Heuristic{Denylist: []string{"how does"}}
	got := a.Questions("How does it work?\nWhat do you think about it?")
	assert.Equal(t, []string{"What do you think about it?"}, got)
}

func TestHeadingsAreNotQuestions(t *testing.T) {
	assert.Empty(t, New().Questions("## Why sleep at all?\n"))
}
