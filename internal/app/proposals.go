package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"readytrader/internal/storage"
)

// Proposals prints recent persisted proposals, or audit events with --audit.
func (a *App) Proposals(ctx context.Context, opts ProposalsOptions) error {
	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	if repo == nil {
		return errors.New("database not configured; cannot list proposals")
	}
	if closeRepo != nil {
		defer closeRepo()
	}

	if opts.Audit {
		return a.printAuditEvents(ctx, repo, opts.Limit)
	}
	return a.printProposals(ctx, repo, opts.Limit)
}

func (a *App) printProposals(ctx context.Context, repo *storage.Repository, limit int) error {
	rows, err := repo.ListRecentProposals(ctx, limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(os.Stdout, "no proposals found")
		return nil
	}

	now := time.Now()
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Request ID\tKind\tStatus\tCreated (UTC)\tExpires (UTC)\tSession")

	for _, row := range rows {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			row.RequestID,
			row.Kind,
			proposalStatus(row, now),
			row.CreatedAt.UTC().Format(time.RFC3339),
			row.ExpiresAt.UTC().Format(time.RFC3339),
			shortSession(row.SessionID),
		)
	}

	writer.Flush()
	return nil
}

func (a *App) printAuditEvents(ctx context.Context, repo *storage.Repository, limit int) error {
	events, err := repo.ListRecentAuditEvents(ctx, limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(os.Stdout, "no audit events found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tKind\tSession\tDetail")

	for _, event := range events {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\n",
			event.At.UTC().Format(time.RFC3339),
			event.Kind,
			shortSession(event.SessionID),
			sanitizeInline(string(event.Detail)),
		)
	}

	writer.Flush()
	return nil
}

func proposalStatus(row storage.ProposalRow, now time.Time) string {
	switch {
	case row.ConfirmedAt != nil:
		return "confirmed"
	case row.CancelledAt != nil:
		return "cancelled"
	case !now.Before(row.ExpiresAt):
		return "expired"
	default:
		return "pending"
	}
}

func shortSession(sessionID string) string {
	if len(sessionID) > 8 {
		return sessionID[:8]
	}
	return sessionID
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
