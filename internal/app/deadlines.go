package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"docket/api/internal/store"
)

// UpcomingDeadline is one deadline flattened out of its document, decorated
// for display.
type UpcomingDeadline struct {
	Title         string    `json:"title"`
	Date          time.Time `json:"date"`
	Notified      bool      `json:"notified"`
	DocumentID    string    `json:"documentId"`
	DocumentTitle string    `json:"documentTitle"`
	DocumentType  string    `json:"documentType"`
	DaysUntil     int       `json:"daysUntil"`
	Urgency       string    `json:"urgency"`
}

// UpcomingDeadlines flattens all deadlines in the organization falling inside
// [now, now+windowDays], both ends inclusive, sorted by date ascending. The
// sort is stable so equal dates keep document creation order.
func (s *Service) UpcomingDeadlines(ctx context.Context, who Identity, windowDays int) ([]UpcomingDeadline, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	now := s.now()
	until := now.AddDate(0, 0, windowDays)

	docs, err := s.store.DocumentsWithDeadlinesBetween(ctx, who.Organization, now, &until)
	if err != nil {
		return nil, err
	}
	return collectDeadlines(docs, now, until), nil
}

func collectDeadlines(docs []store.Document, now, until time.Time) []UpcomingDeadline {
	upcoming := make([]UpcomingDeadline, 0)
	for _, doc := range docs {
		for _, deadline := range doc.Deadlines {
			if deadline.Date.Before(now) || deadline.Date.After(until) {
				continue
			}
			upcoming = append(upcoming, UpcomingDeadline{
				Title:         deadline.Title,
				Date:          deadline.Date,
				Notified:      deadline.Notified,
				DocumentID:    doc.ID,
				DocumentTitle: doc.Title,
				DocumentType:  doc.Type,
				DaysUntil:     calendarDaysUntil(deadline.Date, now),
				Urgency:       classifyUrgency(deadline.Date, now),
			})
		}
	}

	sort.SliceStable(upcoming, func(i, j int) bool {
		return upcoming[i].Date.Before(upcoming[j].Date)
	})
	return upcoming
}

// calendarDaysUntil counts whole calendar days between the two dates, time of
// day ignored. A deadline at 23:59 tonight is 0 days away no matter the hour.
func calendarDaysUntil(date, now time.Time) int {
	return int(dateOnly(date).Sub(dateOnly(now)).Hours() / 24)
}

func classifyUrgency(date, now time.Time) string {
	days := calendarDaysUntil(date, now)
	switch {
	case days < 0:
		return "Overdue"
	case days == 0:
		return "Today"
	case days == 1:
		return "Tomorrow"
	default:
		return fmt.Sprintf("%d days", days)
	}
}

func dateOnly(t time.Time) time.Time {
	year, month, day := t.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
