package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"docket/api/internal/analyze"
	"docket/api/internal/store"
)

type AnalyzeInput struct {
	Text string `json:"text"`
}

// AnalyzeDocument runs AI extraction over the document and persists the
// result. Insights are always overwritten; the deadline list is replaced
// wholesale only when extraction produced at least one deadline, so a weak
// model answer cannot wipe deadlines already on file. Re-running analysis on
// unchanged text converges to the same stored state.
func (s *Service) AnalyzeDocument(ctx context.Context, who Identity, documentID string, in AnalyzeInput) (store.Document, error) {
	item, err := s.store.GetDocument(ctx, who.Organization, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Document{}, notFoundError("document not found")
	}
	if err != nil {
		return store.Document{}, err
	}

	text := strings.TrimSpace(in.Text)
	if text == "" {
		text = analysisText(item)
	}

	analysis := s.analyzer.Analyze(ctx, item.Title, text)
	insights, deadlines, replace, err := buildInsightUpdate(analysis, s.now())
	if err != nil {
		return store.Document{}, validationError(err.Error(), nil)
	}

	found, err := s.store.ApplyInsights(ctx, who.Organization, documentID, insights, deadlines, replace)
	if err != nil {
		return store.Document{}, err
	}
	if !found {
		return store.Document{}, notFoundError("document not found")
	}

	s.cache.Delete(cacheKey(who.Organization, documentID))
	item, err = s.store.GetDocument(ctx, who.Organization, documentID)
	if err != nil {
		return store.Document{}, err
	}

	s.recordActivity(ctx, who.UserID, documentID, "analyze", nil)
	return item, nil
}

// buildInsightUpdate converts an extraction result into storable rows. A
// single malformed deadline date rejects the whole batch; partially applied
// extraction would be worse than none.
func buildInsightUpdate(analysis analyze.Result, now time.Time) (store.Insights, []store.Deadline, bool, error) {
	insights := store.Insights{
		Summary:     analysis.Summary,
		KeyTerms:    analysis.KeyTerms,
		Parties:     analysis.Parties,
		Obligations: analysis.Obligations,
		Risks:       analysis.Risks,
		AnalyzedAt:  now,
	}

	deadlines := make([]store.Deadline, 0, len(analysis.Deadlines))
	for _, candidate := range analysis.Deadlines {
		date, err := parseDeadlineDate(candidate.Date)
		if err != nil {
			return store.Insights{}, nil, false, fmt.Errorf("invalid deadline date %q", candidate.Date)
		}
		deadlines = append(deadlines, store.Deadline{
			Title: candidate.Title,
			Date:  date,
		})
	}

	return insights, deadlines, len(deadlines) > 0, nil
}

func parseDeadlineDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if date, err := time.Parse("2006-01-02", value); err == nil {
		return date, nil
	}
	return time.Parse(time.RFC3339, value)
}

func analysisText(item store.Document) string {
	if item.Description != "" {
		return item.Description
	}
	return item.Title
}
