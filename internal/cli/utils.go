// Package cli formats policydesk answers and statistics for the terminal.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/hyperjump/policydesk/internal/models"
	"github.com/hyperjump/policydesk/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "", OutputText:
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text or json)", s)
	}
}

// WriteAnswer writes a query response to w in the given format.
func WriteAnswer(w io.Writer, resp *models.QueryResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, resp)
	}
	fmt.Fprintf(w, "\n%s\n\n", resp.Answer)
	fmt.Fprintf(w, "Confidence: %d/100 (%s)\n", resp.ConfidenceScore, confidenceLabel(resp.ConfidenceScore))
	if resp.ReformulatedQuery != "" {
		fmt.Fprintf(w, "Searched for: %s\n", resp.ReformulatedQuery)
	}
	fmt.Fprintf(w, "Answered in %dms\n", resp.ResponseTimeMS)
	if len(resp.Sources) == 0 {
		fmt.Fprintln(w, "Sources: none")
		return nil
	}
	fmt.Fprintln(w, "Sources:")
	for i, src := range resp.Sources {
		fmt.Fprintf(w, "  %d. %s (page %d)\n", i+1, src.Document, src.Page)
	}
	return nil
}

// WriteStats writes aggregate statistics to w in the given format.
func WriteStats(w io.Writer, stats *models.AggregateStats, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, stats)
	}
	fmt.Fprintf(w, "Total queries:      %d\n", stats.TotalQueries)
	fmt.Fprintf(w, "Avg confidence:     %.1f\n", stats.AvgConfidence)
	fmt.Fprintf(w, "Active reps:        %d\n", stats.ActiveReps)
	fmt.Fprintf(w, "Avg response time:  %dms\n", stats.AvgResponseTime)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if len(stats.UserStats) > 0 {
		fmt.Fprintln(tw, "\nUSER\tQUERIES\tAVG CONFIDENCE")
		for _, u := range stats.UserStats {
			fmt.Fprintf(tw, "%s\t%d\t%.1f\n", u.Name, u.QueryCount, u.AvgConfidence)
		}
	}
	if len(stats.DocumentStats) > 0 {
		fmt.Fprintln(tw, "\nDOCUMENT\tUSES\t")
		for _, d := range stats.DocumentStats {
			fmt.Fprintf(tw, "%s\t%d\t\n", d.Document, d.UsageCount)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(stats.LowConfidenceQueries) > 0 {
		fmt.Fprintf(w, "\nLow-confidence queries (below %d):\n", models.LowConfidenceThreshold)
		for _, q := range stats.LowConfidenceQueries {
			fmt.Fprintf(w, "  [%d] %s %s: %s\n", q.ConfidenceScore, q.Timestamp.Format("2006-01-02 15:04"), q.UserName, utils.Truncate(q.OriginalQuestion, 80))
		}
	}
	return nil
}

func confidenceLabel(score int) string {
	switch {
	case score >= 80:
		return "high"
	case score >= models.LowConfidenceThreshold:
		return "medium"
	default:
		return "low"
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
