package support

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"proxyharvest/internal/domain"

	"github.com/xuri/excelize/v2"
)

func exportFixtures() []domain.Proxy {
	checked := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	latency := 0.25
	return []domain.Proxy{
		{ID: 1, IP: "1.1.1.1", Port: 80, Protocol: domain.ProtocolHTTP, Tier: domain.TierPremium, Source: "webshare",
			Username: "user", Password: "pass", Geo: domain.Geo{Country: "France", CountryCode: "FR"},
			IsWorking: true, LastChecked: &checked, ResponseTime: &latency, SuccessCount: 1},
		{ID: 2, IP: "2.2.2.2", Port: 1080, Protocol: domain.ProtocolSOCKS5, Tier: domain.TierPublic, Source: "geonode",
			Geo: domain.UnknownGeo(), FailureCount: 2},
	}
}

func TestWriteExportTXT(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteExport(&buf, ExportTXT, exportFixtures()); err != nil {
		t.Fatalf("WriteExport returned error: %v", err)
	}

	want := "1.1.1.1:80:user:pass\n2.2.2.2:1080\n"
	if buf.String() != want {
		t.Fatalf("txt export = %q, want %q", buf.String(), want)
	}
}

func TestWriteExportCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteExport(&buf, ExportCSV, exportFixtures()); err != nil {
		t.Fatalf("WriteExport returned error: %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("csv parse returned error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("csv export has %d rows, want header + 2", len(records))
	}
	if strings.Join(records[0], ",") != strings.Join(ExportColumns, ",") {
		t.Fatalf("csv header = %v, want %v", records[0], ExportColumns)
	}
	if records[1][1] != "1.1.1.1" || records[1][13] != "true" || records[1][18] != "100.00" {
		t.Fatalf("unexpected first csv row: %v", records[1])
	}
	if records[2][14] != "" || records[2][18] != "0.00" {
		t.Fatalf("unexpected second csv row: %v", records[2])
	}
}

func TestWriteExportJSONRoundTrip(t *testing.T) {
	proxies := exportFixtures()

	var buf bytes.Buffer
	if err := WriteExport(&buf, ExportJSON, proxies); err != nil {
		t.Fatalf("WriteExport returned error: %v", err)
	}

	var decoded []domain.Proxy
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("json parse returned error: %v", err)
	}
	if len(decoded) != len(proxies) {
		t.Fatalf("decoded %d proxies, want %d", len(decoded), len(proxies))
	}
	for i := range proxies {
		if decoded[i].Key() != proxies[i].Key() || decoded[i].ID != proxies[i].ID ||
			decoded[i].Password != proxies[i].Password || decoded[i].FailureCount != proxies[i].FailureCount {
			t.Fatalf("decoded[%d] = %+v, want %+v", i, decoded[i], proxies[i])
		}
	}

	buf.Reset()
	if err := WriteExport(&buf, ExportJSON, nil); err != nil {
		t.Fatalf("WriteExport(nil) returned error: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Fatalf("empty json export = %q, want []", buf.String())
	}
}

func TestWriteExportXLSX(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteExport(&buf, ExportXLSX, exportFixtures()); err != nil {
		t.Fatalf("WriteExport returned error: %v", err)
	}

	file, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader returned error: %v", err)
	}
	defer file.Close()

	rows, err := file.GetRows("Proxies")
	if err != nil {
		t.Fatalf("GetRows returned error: %v", err)
	}
	if len(rows) != 3 || rows[2][1] != "2.2.2.2" {
		t.Fatalf("xlsx rows = %v, want header + 2 rows", rows)
	}
}

func TestParseExportFormat(t *testing.T) {
	if got, err := ParseExportFormat(""); err != nil || got != ExportJSON {
		t.Fatalf("ParseExportFormat(\"\") = (%q, %v), want json", got, err)
	}
	if got, err := ParseExportFormat("CSV"); err != nil || got != ExportCSV {
		t.Fatalf("ParseExportFormat(CSV) = (%q, %v), want csv", got, err)
	}
	if _, err := ParseExportFormat("pdf"); err == nil {
		t.Fatal("expected error for pdf")
	}
}
