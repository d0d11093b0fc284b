package report

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// OutputFormat specifies the output format for terminal reporting
type OutputFormat string

const (
	OutputFormatHuman   OutputFormat = "human"
	OutputFormatJSON    OutputFormat = "json"
	OutputFormatGitHub  OutputFormat = "github"  // GitHub Actions annotations
	OutputFormatCompact OutputFormat = "compact" // One-line summary
)

// ParseOutputFormat converts a flag value, defaulting to human.
func ParseOutputFormat(s string) OutputFormat {
	switch strings.ToLower(s) {
	case "json":
		return OutputFormatJSON
	case "github":
		return OutputFormatGitHub
	case "compact":
		return OutputFormatCompact
	default:
		return OutputFormatHuman
	}
}

// Format renders a report document in the requested format
func Format(doc Document, format OutputFormat) string {
	switch format {
	case OutputFormatJSON:
		return formatJSON(doc)
	case OutputFormatGitHub:
		return formatGitHub(doc)
	case OutputFormatCompact:
		return formatCompact(doc)
	default:
		return formatHuman(doc)
	}
}

func formatJSON(doc Document) string {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": "%s"}`, err.Error())
	}
	return string(data)
}

func formatHuman(doc Document) string {
	var sb strings.Builder

	if doc.DryRun {
		sb.WriteString("=== DRY RUN - No changes were applied ===\n\n")
	}
	if doc.Declined {
		sb.WriteString("=== DECLINED - Nothing was replicated ===\n\n")
	}

	sb.WriteString("Replication Summary\n")
	sb.WriteString("===================\n")
	sb.WriteString(fmt.Sprintf("  Run:           %s\n", doc.RunID))
	sb.WriteString(fmt.Sprintf("  Succeeded:     %d\n", doc.Summary.Succeeded))
	sb.WriteString(fmt.Sprintf("  Failed:        %d\n", doc.Summary.Failed))
	sb.WriteString(fmt.Sprintf("  Item failures: %d\n", doc.Summary.ItemFailures))
	sb.WriteString(fmt.Sprintf("  Total:         %d\n", doc.Summary.Total))
	sb.WriteString("\n")

	successes := append([]Success{}, doc.Successes...)
	sort.Slice(successes, func(i, j int) bool {
		if successes[i].Kind != successes[j].Kind {
			return successes[i].Kind < successes[j].Kind
		}
		return successes[i].Source < successes[j].Source
	})
	for _, s := range successes {
		sb.WriteString(fmt.Sprintf("  ✅ %s: %s → %s\n", s.Kind, s.Source, s.Target))
	}

	failures := append([]Failure{}, doc.Errors...)
	sort.Slice(failures, func(i, j int) bool { return failures[i].Resource < failures[j].Resource })
	for _, f := range failures {
		sb.WriteString(fmt.Sprintf("  ❌ %s: %s\n", f.Kind, f.Resource))
		sb.WriteString(fmt.Sprintf("      Error: %s\n", f.Cause))
	}

	if len(doc.ItemErrors) > 0 {
		sb.WriteString("\nItem failures:\n")
		for _, it := range doc.ItemErrors {
			sb.WriteString(fmt.Sprintf("  - %s %s: %s\n", it.Resource, it.Item, it.Cause))
		}
	}

	return sb.String()
}

func formatGitHub(doc Document) string {
	var sb strings.Builder

	if len(doc.Errors) == 0 {
		sb.WriteString(fmt.Sprintf("::notice::✅ %d resources replicated\n", doc.Summary.Succeeded))
	} else {
		sb.WriteString(fmt.Sprintf("::error::❌ %d of %d resources failed to replicate\n",
			doc.Summary.Failed, doc.Summary.Total))
	}

	sb.WriteString(fmt.Sprintf("::group::Replicated (%d)\n", doc.Summary.Succeeded))
	for _, s := range doc.Successes {
		sb.WriteString(fmt.Sprintf("::notice::%s %s → %s\n", s.Kind, s.Source, s.Target))
	}
	sb.WriteString("::endgroup::\n")

	for _, f := range doc.Errors {
		sb.WriteString(fmt.Sprintf("::error title=%s::%s: %s\n", f.Kind, f.Resource, f.Cause))
	}
	for _, it := range doc.ItemErrors {
		sb.WriteString(fmt.Sprintf("::warning title=%s::%s %s: %s\n", it.Kind, it.Resource, it.Item, it.Cause))
	}

	return sb.String()
}

func formatCompact(doc Document) string {
	if len(doc.Errors) == 0 {
		return fmt.Sprintf("OK: %d replicated", doc.Summary.Succeeded)
	}
	return fmt.Sprintf("ERRORS: %d ok, %d failed, %d item failures (total: %d)",
		doc.Summary.Succeeded, doc.Summary.Failed, doc.Summary.ItemFailures, doc.Summary.Total)
}
