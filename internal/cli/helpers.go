package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/natalcast/report-pipeline/internal/client"
	"github.com/thoas/go-funk"
	"sigs.k8s.io/yaml"
)

const (
	jsonFormat = "json"
	yamlFormat = "yaml"
)

var (
	legalOutputTypes = []string{jsonFormat, yamlFormat}
)

func validateOutput(output string) error {
	if len(output) > 0 && !funk.ContainsString(legalOutputTypes, output) {
		return fmt.Errorf("output format must be one of %s", strings.Join(legalOutputTypes, ", "))
	}
	return nil
}

// reportView is what the CLI prints for a report.
type reportView struct {
	ReportID       string          `json:"reportId,omitempty"`
	State          string          `json:"state"`
	QualityWarning bool            `json:"qualityWarning,omitempty"`
	ErrorCode      string          `json:"errorCode,omitempty"`
	Error          string          `json:"error,omitempty"`
	Notice         string          `json:"notice,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
}

func viewOf(s client.Snapshot) reportView {
	return reportView{
		ReportID:       s.ReportID,
		State:          string(s.State),
		QualityWarning: s.QualityWarning,
		ErrorCode:      s.ErrorCode,
		Error:          s.Error,
		Notice:         s.Notice,
		Content:        s.Content,
	}
}

func printObject(w io.Writer, v any, output string) error {
	switch output {
	case jsonFormat:
		marshalled, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("marshalling resource: %w", err)
		}
		fmt.Fprintf(w, "%s\n", string(marshalled))
		return nil
	case yamlFormat:
		marshalled, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshalling resource: %w", err)
		}
		fmt.Fprintf(w, "%s", string(marshalled))
		return nil
	}
	return fmt.Errorf("unsupported output format %q", output)
}

// printReport writes a report as a table, or in the requested format.
func printReport(w io.Writer, s client.Snapshot, output string) error {
	if output != "" {
		return printObject(w, viewOf(s), output)
	}

	tw := tabwriter.NewWriter(w, 0, 8, 1, '\t', 0)
	fmt.Fprintln(tw, "REPORT ID\tSTATE\tQUALITY WARNING\tERROR CODE")
	fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", s.ReportID, s.State, s.QualityWarning, s.ErrorCode)
	if err := tw.Flush(); err != nil {
		return err
	}
	if s.Error != "" {
		fmt.Fprintf(w, "\nError: %s\n", s.Error)
	}
	if s.Notice != "" {
		fmt.Fprintf(w, "Notice: %s\n", s.Notice)
	}
	if len(s.Content) > 0 {
		fmt.Fprintf(w, "\n%s\n", string(s.Content))
	}
	return nil
}
