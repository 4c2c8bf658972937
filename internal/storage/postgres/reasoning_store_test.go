package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/mechlabs/mech-queue/internal/reasoning"
)

// TestReasoningStoreAnalyzeRoundTripsFullStep guards against toStep silently
// dropping fields out of the combined metadata blob: it writes a step
// carrying Context, Quality, and Keywords through the real marshal path and
// checks Analyze sees all of it back, not just summary/confidence.
func TestReasoningStoreAnalyzeRoundTripsFullStep(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer mockDB.Close()
	db := sqlx.NewDb(mockDB, "postgres")
	store := NewReasoningStore(db)

	step := reasoning.Step{
		ApplicationID: "app-1",
		SessionID:     "sess-1",
		StepNumber:    1,
		Type:          reasoning.StepExecution,
		Content: reasoning.Content{
			Raw:      "ran the linter",
			Keywords: []string{"lint", "lint", "gofmt"},
		},
		Context: reasoning.StepContext{
			ToolsUsed:     []string{"linter"},
			FilesModified: []string{"main.go"},
		},
		Quality: reasoning.Quality{Clarity: 0.8, Completeness: 0.6, Usefulness: 1.0},
	}

	blob, err := (jsonColumn[reasoningBlob]{Val: reasoningBlob{
		Context:  step.Context,
		Metadata: step.Metadata,
		Keywords: step.Content.Keywords,
		Quality:  step.Quality,
	}}).Value()
	if err != nil {
		t.Fatalf("marshal blob: %v", err)
	}

	mock.ExpectQuery(`SELECT id, application_id, session_id, step_number, role, content, metadata`).
		WithArgs("app-1", "sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "application_id", "session_id", "step_number", "role", "content", "metadata"}).
			AddRow(int64(1), step.ApplicationID, step.SessionID, step.StepNumber, string(step.Type), step.Content.Raw, blob))

	analysis, err := store.Analyze(context.Background(), "app-1", "sess-1")
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	if analysis.ToolUsage["linter"] != 1 {
		t.Errorf("ToolUsage[linter] = %d, want 1 (Context dropped by toStep)", analysis.ToolUsage["linter"])
	}
	if analysis.FileTouches["main.go"] != 1 {
		t.Errorf("FileTouches[main.go] = %d, want 1 (Context dropped by toStep)", analysis.FileTouches["main.go"])
	}
	if analysis.AverageQuality.Clarity != 0.8 {
		t.Errorf("AverageQuality.Clarity = %v, want 0.8 (Quality dropped by toStep)", analysis.AverageQuality.Clarity)
	}
	if len(analysis.TopKeywords) == 0 || analysis.TopKeywords[0] != "lint" {
		t.Errorf("TopKeywords = %v, want [lint gofmt] (Keywords dropped by toStep)", analysis.TopKeywords)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}
