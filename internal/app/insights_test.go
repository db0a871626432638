package app

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"docket/api/internal/analyze"
)

func TestAnalyzeDocumentAppliesInsightsAndDeadlines(t *testing.T) {
	env := newTestEnv(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.service.now = func() time.Time { return fixed }
	env.analyzer.result = analyze.Result{
		Summary:     "A supply agreement.",
		KeyTerms:    []string{"delivery"},
		Parties:     []string{"Acme", "Beta"},
		Obligations: []string{"monthly delivery"},
		Risks:       []string{"no liability cap"},
		Deadlines: []analyze.DeadlineCandidate{
			{Title: "Renewal notice", Date: "2026-06-01"},
			{Title: "Expiry", Date: "2026-12-31"},
		},
	}
	item := mustCreate(t, env, testLawyer, uploadInput("Supply agreement"))

	analyzed, err := env.service.AnalyzeDocument(context.Background(), testLawyer, item.ID, AnalyzeInput{})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if analyzed.Insights == nil || analyzed.Insights.Summary != "A supply agreement." {
		t.Fatalf("insights not applied: %+v", analyzed.Insights)
	}
	if !analyzed.Insights.AnalyzedAt.Equal(fixed) {
		t.Fatalf("got analyzedAt %v, want %v", analyzed.Insights.AnalyzedAt, fixed)
	}
	if len(analyzed.Deadlines) != 2 {
		t.Fatalf("got %d deadlines, want 2", len(analyzed.Deadlines))
	}
	if analyzed.Deadlines[0].Title != "Renewal notice" {
		t.Fatalf("deadline order lost: %+v", analyzed.Deadlines)
	}
	if analyzed.Deadlines[0].Notified {
		t.Fatal("fresh deadlines must start unnotified")
	}
}

func TestAnalyzeDocumentEmptyExtractionPreservesDeadlines(t *testing.T) {
	env := newTestEnv(t)
	env.analyzer.result = analyze.Result{
		Summary:   "First pass.",
		Deadlines: []analyze.DeadlineCandidate{{Title: "Expiry", Date: "2026-12-31"}},
	}
	item := mustCreate(t, env, testLawyer, uploadInput("NDA"))
	ctx := context.Background()

	if _, err := env.service.AnalyzeDocument(ctx, testLawyer, item.ID, AnalyzeInput{}); err != nil {
		t.Fatalf("first analyze: %v", err)
	}

	env.analyzer.result = analyze.Result{Summary: "Second pass, no deadlines found."}
	analyzed, err := env.service.AnalyzeDocument(ctx, testLawyer, item.ID, AnalyzeInput{})
	if err != nil {
		t.Fatalf("second analyze: %v", err)
	}
	if analyzed.Insights.Summary != "Second pass, no deadlines found." {
		t.Fatalf("insights not overwritten: %+v", analyzed.Insights)
	}
	if len(analyzed.Deadlines) != 1 || analyzed.Deadlines[0].Title != "Expiry" {
		t.Fatalf("deadlines must survive an empty extraction, got %+v", analyzed.Deadlines)
	}
}

func TestAnalyzeDocumentBadDateRejectsWholeBatch(t *testing.T) {
	env := newTestEnv(t)
	env.analyzer.result = analyze.Result{
		Summary: "Broken extraction.",
		Deadlines: []analyze.DeadlineCandidate{
			{Title: "Fine", Date: "2026-06-01"},
			{Title: "Broken", Date: "next Tuesday"},
		},
	}
	item := mustCreate(t, env, testLawyer, uploadInput("Lease"))

	_, err := env.service.AnalyzeDocument(context.Background(), testLawyer, item.ID, AnalyzeInput{})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("got %v, want VALIDATION_ERROR", err)
	}

	after, getErr := env.service.GetDocument(context.Background(), testLawyer, item.ID)
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if after.Insights != nil || len(after.Deadlines) != 0 {
		t.Fatalf("failed analysis must leave nothing behind: %+v", after)
	}
}

func TestAnalyzeDocumentIdempotent(t *testing.T) {
	env := newTestEnv(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.service.now = func() time.Time { return fixed }
	env.analyzer.result = analyze.Result{
		Summary:   "Stable.",
		KeyTerms:  []string{"term"},
		Deadlines: []analyze.DeadlineCandidate{{Title: "Expiry", Date: "2026-12-31"}},
	}
	item := mustCreate(t, env, testLawyer, uploadInput("MSA"))
	ctx := context.Background()

	first, err := env.service.AnalyzeDocument(ctx, testLawyer, item.ID, AnalyzeInput{})
	if err != nil {
		t.Fatalf("first analyze: %v", err)
	}
	second, err := env.service.AnalyzeDocument(ctx, testLawyer, item.ID, AnalyzeInput{})
	if err != nil {
		t.Fatalf("second analyze: %v", err)
	}
	if !reflect.DeepEqual(first.Insights, second.Insights) {
		t.Fatalf("insights diverged:\n%+v\n%+v", first.Insights, second.Insights)
	}
	if !reflect.DeepEqual(first.Deadlines, second.Deadlines) {
		t.Fatalf("deadlines diverged:\n%+v\n%+v", first.Deadlines, second.Deadlines)
	}
}

func TestAnalyzeDocumentNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.AnalyzeDocument(context.Background(), testLawyer, "doc_missing", AnalyzeInput{})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 404 {
		t.Fatalf("got %v, want 404", err)
	}
}

func TestBuildInsightUpdateAcceptsRFC3339(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, deadlines, replace, err := buildInsightUpdate(analyze.Result{
		Deadlines: []analyze.DeadlineCandidate{{Title: "T", Date: "2026-05-01T00:00:00Z"}},
	}, now)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !replace || len(deadlines) != 1 {
		t.Fatalf("got replace=%v deadlines=%+v", replace, deadlines)
	}
	want := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if !deadlines[0].Date.Equal(want) {
		t.Fatalf("got date %v, want %v", deadlines[0].Date, want)
	}
}

func TestBuildInsightUpdateEmptyIsNoReplace(t *testing.T) {
	_, deadlines, replace, err := buildInsightUpdate(analyze.Result{Summary: "s"}, time.Now())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if replace || len(deadlines) != 0 {
		t.Fatalf("got replace=%v deadlines=%+v, want no replacement", replace, deadlines)
	}
}
