package support

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"proxyharvest/internal/domain"

	"github.com/xuri/excelize/v2"
)

type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportTXT  ExportFormat = "txt"
	ExportCSV  ExportFormat = "csv"
	ExportXLSX ExportFormat = "xlsx"
)

func ParseExportFormat(raw string) (ExportFormat, error) {
	switch format := ExportFormat(strings.ToLower(strings.TrimSpace(raw))); format {
	case ExportJSON, ExportTXT, ExportCSV, ExportXLSX:
		return format, nil
	case "":
		return ExportJSON, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", raw)
	}
}

func (f ExportFormat) ContentType() string {
	switch f {
	case ExportTXT:
		return "text/plain; charset=utf-8"
	case ExportCSV:
		return "text/csv; charset=utf-8"
	case ExportXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/json"
	}
}

func (f ExportFormat) FileName() string {
	return "proxies." + string(f)
}

// ExportColumns is the csv/xlsx header row, in column order.
var ExportColumns = []string{
	"id", "ip", "port", "protocol", "tier", "source", "username", "password",
	"country", "country_code", "region", "city", "timezone",
	"is_working", "last_checked", "response_time", "success_count", "failure_count",
	"success_rate", "created_at", "updated_at",
}

// WriteExport encodes proxies in the requested format.
func WriteExport(w io.Writer, format ExportFormat, proxies []domain.Proxy) error {
	switch format {
	case ExportJSON:
		if proxies == nil {
			proxies = []domain.Proxy{}
		}
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(proxies)
	case ExportTXT:
		for i := range proxies {
			if _, err := io.WriteString(w, TextLine(&proxies[i])+"\n"); err != nil {
				return err
			}
		}
		return nil
	case ExportCSV:
		writer := csv.NewWriter(w)
		if err := writer.Write(ExportColumns); err != nil {
			return err
		}
		for i := range proxies {
			if err := writer.Write(exportRow(&proxies[i])); err != nil {
				return err
			}
		}
		writer.Flush()
		return writer.Error()
	case ExportXLSX:
		return writeXLSX(w, proxies)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

// TextLine renders address:port, or address:port:username:password when the
// proxy carries credentials.
func TextLine(proxy *domain.Proxy) string {
	if proxy.HasAuth() {
		return fmt.Sprintf("%s:%d:%s:%s", proxy.IP, proxy.Port, proxy.Username, proxy.Password)
	}
	return fmt.Sprintf("%s:%d", proxy.IP, proxy.Port)
}

func exportRow(proxy *domain.Proxy) []string {
	return []string{
		strconv.FormatUint(proxy.ID, 10),
		proxy.IP,
		strconv.Itoa(int(proxy.Port)),
		string(proxy.Protocol),
		strconv.Itoa(int(proxy.Tier)),
		proxy.Source,
		proxy.Username,
		proxy.Password,
		proxy.Country,
		proxy.CountryCode,
		proxy.Region,
		proxy.City,
		proxy.Timezone,
		strconv.FormatBool(proxy.IsWorking),
		formatOptionalTime(proxy.LastChecked),
		formatOptionalFloat(proxy.ResponseTime),
		strconv.FormatUint(proxy.SuccessCount, 10),
		strconv.FormatUint(proxy.FailureCount, 10),
		strconv.FormatFloat(proxy.SuccessRate(), 'f', 2, 64),
		proxy.CreatedAt.UTC().Format(time.RFC3339),
		proxy.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func writeXLSX(w io.Writer, proxies []domain.Proxy) error {
	file := excelize.NewFile()
	defer file.Close()

	const sheet = "Proxies"
	if err := file.SetSheetName(file.GetSheetName(0), sheet); err != nil {
		return fmt.Errorf("xlsx: rename sheet: %w", err)
	}

	header := make([]any, len(ExportColumns))
	for i, column := range ExportColumns {
		header[i] = column
	}
	if err := file.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("xlsx: write header: %w", err)
	}

	style, err := file.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err == nil {
		lastCol, _ := excelize.ColumnNumberToName(len(ExportColumns))
		_ = file.SetCellStyle(sheet, "A1", lastCol+"1", style)
	}

	for i := range proxies {
		row := exportRow(&proxies[i])
		values := make([]any, len(row))
		for j, value := range row {
			values[j] = value
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := file.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("xlsx: write row %d: %w", i+2, err)
		}
	}

	return file.Write(w)
}

func formatOptionalTime(value *time.Time) string {
	if value == nil {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}

func formatOptionalFloat(value *float64) string {
	if value == nil {
		return ""
	}
	return strconv.FormatFloat(*value, 'f', 3, 64)
}
