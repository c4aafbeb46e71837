package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// ParseExportFormat maps a query value to an ExportFormat, defaulting to JSON
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(s) {
	case "", ExportFormatJSON:
		return ExportFormatJSON, nil
	case ExportFormatCSV:
		return ExportFormatCSV, nil
	case ExportFormatNDJSON:
		return ExportFormatNDJSON, nil
	default:
		return "", fmt.Errorf("unsupported export format: %s", s)
	}
}

// Export writes events to w in the requested format
func Export(w io.Writer, events []*AuditEvent, format ExportFormat) error {
	switch format {
	case ExportFormatCSV:
		return exportCSV(w, events)
	case ExportFormatNDJSON:
		return exportNDJSON(w, events)
	default:
		return exportJSON(w, events)
	}
}

func exportJSON(w io.Writer, events []*AuditEvent) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(events)
}

func exportNDJSON(w io.Writer, events []*AuditEvent) error {
	encoder := json.NewEncoder(w)
	for _, event := range events {
		if err := encoder.Encode(event); err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
	}
	return nil
}

var csvHeader = []string{
	"ID",
	"Timestamp",
	"EventType",
	"Module",
	"Status",
	"UserID",
	"Username",
	"ResourceType",
	"ResourceID",
	"IPAddress",
	"RequestID",
	"Method",
	"Path",
	"Message",
	"ErrorMessage",
}

func exportCSV(w io.Writer, events []*AuditEvent) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, event := range events {
		row := []string{
			strconv.FormatInt(event.ID, 10),
			event.Timestamp.UTC().Format(time.RFC3339),
			string(event.EventType),
			event.Module,
			string(event.Status),
			formatInt64Ptr(event.UserID),
			event.Username,
			string(event.ResourceType),
			event.ResourceID,
			event.IPAddress,
			event.RequestID,
			event.Method,
			event.Path,
			event.Message,
			event.ErrorMessage,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}

func formatInt64Ptr(val *int64) string {
	if val == nil {
		return ""
	}
	return strconv.FormatInt(*val, 10)
}
