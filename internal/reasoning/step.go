// Package reasoning stores an append-only chain of reasoning steps per
// session, with lexical search and chain-level analysis.
package reasoning

import "time"

// StepType classifies a reasoning step.
type StepType string

const (
	StepAnalysis    StepType = "analysis"
	StepPlanning    StepType = "planning"
	StepExecution   StepType = "execution"
	StepReflection  StepType = "reflection"
	StepError       StepType = "error"
	StepDecision    StepType = "decision"
	StepExploration StepType = "exploration"
	StepValidation  StepType = "validation"
)

// Content is the step's substantive payload.
type Content struct {
	Raw        string
	Summary    string
	Confidence float64 // 0-1
	Keywords   []string
	Entities   []string
}

// StepContext links a step to the surrounding work.
type StepContext struct {
	PrecedingSteps []int
	ToolsUsed      []string
	FilesReferenced []string
	FilesModified  []string
	CodeBlocks     []string
	Errors         []string
	Decisions      []string
}

// Quality scores, each 0-1.
type Quality struct {
	Clarity      float64
	Completeness float64
	Usefulness   float64
}

// Metadata carries generation bookkeeping.
type Metadata struct {
	Timestamp   time.Time
	DurationMs  int
	TokenCount  int
	Model       string
	Temperature float64
	MaxTokens   int
}

// Step is one entry in a session's reasoning chain. StepNumber is assigned
// by the store, monotonically, starting at 1.
type Step struct {
	ID            string
	ApplicationID string
	SessionID     string
	StepNumber    int
	Type          StepType
	Content       Content
	Context       StepContext
	Quality       Quality
	Metadata      Metadata
}
