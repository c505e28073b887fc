package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"swainos-analytics/internal/run"
)

// Show prints open recommendations and recent runs for the window.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	recs, err := a.GetRecommendations(ctx, opts.Window)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if len(recs) == 0 {
		fmt.Fprintln(os.Stdout, "no open recommendations")
	} else {
		fmt.Fprintln(writer, "ID\tStatus\tCategory\tEntity\tTitle\tCreated (UTC)")
		for _, rec := range recs {
			fmt.Fprintf(
				writer,
				"%s\t%s\t%s\t%s\t%s\t%s\n",
				rec.ID,
				rec.Status,
				rec.Category,
				rec.EntityID,
				sanitizeInline(rec.Title),
				rec.CreatedAt.UTC().Format(time.RFC3339),
			)
		}
		writer.Flush()
	}

	return a.showRecentRuns(ctx, opts.Limit)
}

func (a *App) showRecentRuns(ctx context.Context, limit int) error {
	if limit <= 0 {
		limit = 10
	}

	return a.withStore(ctx, func(c *core) error {
		writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Kind\tStatus\tTrigger\tStarted (UTC)\tDetail\tError")
		for _, kind := range run.Kinds() {
			records, err := c.orchestrator.ListRuns(ctx, kind, limit)
			if err != nil {
				return err
			}
			for _, rec := range records {
				fmt.Fprintf(
					writer,
					"%s\t%s\t%s\t%s\t%s\t%s\n",
					rec.Kind,
					rec.Status,
					rec.Trigger,
					rec.StartedAt.UTC().Format(time.RFC3339),
					sanitizeInline(rec.Detail),
					sanitizeInline(rec.Error),
				)
			}
		}
		writer.Flush()
		return nil
	})
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
