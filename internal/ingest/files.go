package ingest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"market-analog-lab/internal/domain"
)

// ReadBarsFile loads a daily price series from a JSON array or CSV
// file, chosen by extension, adapts each record and validates the
// result. Returns the clean series and the number of records dropped
// during adaptation and validation.
func ReadBarsFile(path, asset string) ([]*domain.Bar, int, error) {
	recs, err := readRecords(path)
	if err != nil {
		return nil, 0, err
	}
	bars := make([]*domain.Bar, 0, len(recs))
	skipped := 0
	for _, rec := range recs {
		b, err := AdaptBar(asset, rec)
		if err != nil {
			skipped++
			continue
		}
		bars = append(bars, b)
	}
	clean, dropped, err := ValidateBars(bars)
	if err != nil {
		return nil, skipped + dropped, fmt.Errorf("%s: %w", path, err)
	}
	return clean, skipped + dropped, nil
}

// ReadCOTFile loads weekly COT reports from a JSON array or CSV file.
// Records that do not adapt are dropped and counted.
func ReadCOTFile(path, market string) ([]*domain.COTReport, int, error) {
	recs, err := readRecords(path)
	if err != nil {
		return nil, 0, err
	}
	reports := make([]*domain.COTReport, 0, len(recs))
	skipped := 0
	for _, rec := range recs {
		r, err := AdaptCOTReport(market, rec)
		if err != nil {
			skipped++
			continue
		}
		reports = append(reports, r)
	}
	if len(reports) == 0 {
		return nil, skipped, fmt.Errorf("%s: no usable COT records", path)
	}
	return reports, skipped, nil
}

func readRecords(path string) ([]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return decodeJSONRecords(data)
	case ".csv":
		return decodeCSVRecords(data)
	default:
		return nil, fmt.Errorf("%s: unsupported extension, want .json or .csv", path)
	}
}

func decodeJSONRecords(data []byte) ([]map[string]any, error) {
	var recs []map[string]any
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decode JSON array: %w", err)
	}
	return recs, nil
}

// decodeCSVRecords maps each CSV row onto the header columns. Values
// stay strings; ToFinite parses them downstream.
func decodeCSVRecords(data []byte) ([]map[string]any, error) {
	r := csv.NewReader(strings.NewReader(string(data)))
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("decode CSV: %w", err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("decode CSV: need a header row and at least one data row")
	}
	header := rows[0]
	recs := make([]map[string]any, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(row) {
				rec[strings.TrimSpace(col)] = row[i]
			}
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
