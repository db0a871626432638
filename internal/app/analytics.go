package app

import (
	"context"
	"time"

	"docket/api/internal/store"
)

const (
	recentActivityLimit = 10
	deadlineCountCap    = 5
)

type AnalyticsSummary struct {
	TotalDocuments    int            `json:"totalDocuments"`
	RecentDocuments   int            `json:"recentDocuments"`
	DocumentsByType   map[string]int `json:"documentsByType"`
	DocumentsByStatus map[string]int `json:"documentsByStatus"`
	RecentActivity    []ActivityView `json:"recentActivity"`
	UpcomingDeadlines int            `json:"upcomingDeadlines"`
	PeriodDays        int            `json:"periodDays"`
}

type ActivityView struct {
	Action        string         `json:"action"`
	DocumentID    string         `json:"documentId,omitempty"`
	DocumentTitle string         `json:"documentTitle,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Analytics aggregates the organization dashboard. Counts are organization
// wide; the activity feed is personal to the caller.
func (s *Service) Analytics(ctx context.Context, who Identity, periodDays int) (AnalyticsSummary, error) {
	if periodDays <= 0 {
		periodDays = 30
	}
	now := s.now()
	since := now.AddDate(0, 0, -periodDays)

	total, err := s.store.CountDocuments(ctx, who.Organization)
	if err != nil {
		return AnalyticsSummary{}, err
	}
	recent, err := s.store.CountDocumentsCreatedSince(ctx, who.Organization, since)
	if err != nil {
		return AnalyticsSummary{}, err
	}
	byType, err := s.store.CountDocumentsByType(ctx, who.Organization)
	if err != nil {
		return AnalyticsSummary{}, err
	}
	byStatus, err := s.store.CountDocumentsByStatus(ctx, who.Organization)
	if err != nil {
		return AnalyticsSummary{}, err
	}

	entries, err := s.store.ListUserActivity(ctx, who.UserID, time.Time{}, recentActivityLimit)
	if err != nil {
		return AnalyticsSummary{}, err
	}
	activity := make([]ActivityView, 0, len(entries))
	for _, entry := range entries {
		activity = append(activity, ActivityView{
			Action:        entry.Action,
			DocumentID:    entry.DocumentID,
			DocumentTitle: entry.DocumentTitle,
			Details:       entry.Details,
			CreatedAt:     entry.CreatedAt,
		})
	}

	docs, err := s.store.DocumentsWithDeadlinesBetween(ctx, who.Organization, now, nil)
	if err != nil {
		return AnalyticsSummary{}, err
	}

	return AnalyticsSummary{
		TotalDocuments:    total,
		RecentDocuments:   recent,
		DocumentsByType:   byType,
		DocumentsByStatus: byStatus,
		RecentActivity:    activity,
		UpcomingDeadlines: countUpcomingDeadlines(docs, now),
		PeriodDays:        periodDays,
	}, nil
}

// countUpcomingDeadlines saturates at deadlineCountCap. The dashboard widget
// it feeds renders "5+" past that point, so counting further is wasted work.
func countUpcomingDeadlines(docs []store.Document, now time.Time) int {
	count := 0
	for _, doc := range docs {
		for _, deadline := range doc.Deadlines {
			if deadline.Date.Before(now) {
				continue
			}
			count++
			if count >= deadlineCountCap {
				return count
			}
		}
	}
	return count
}
