package bulk

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Format はアップロードファイルの形式です。
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DetectFormat は拡張子から形式を判定します。
func DetectFormat(filename string) (Format, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", newError(CodeUnsupportedFormat, "CSV または XLSX ファイルをアップロードしてください。", nil)
	}
}

// ParseFile はファイルを行に分解します。列名はスキーマに合わせて正規化され、
// 空行は行番号を保ったまま読み飛ばします。行数の上限はここでは確認しません。
func ParseFile(filename string, data []byte, jobType JobType) ([]RawRow, error) {
	schema, ok := SchemaFor(jobType)
	if !ok {
		return nil, newError(CodeInvalidInput, fmt.Sprintf("未対応の種別です: %s", jobType), nil)
	}
	format, err := DetectFormat(filename)
	if err != nil {
		return nil, err
	}

	var records [][]string
	switch format {
	case FormatCSV:
		records, err = readCSV(data)
	case FormatXLSX:
		records, err = readXLSX(data)
	}
	if err != nil {
		return nil, err
	}
	return buildRows(schema, records)
}

func readCSV(data []byte) ([][]string, error) {
	reader := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var records [][]string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, newError(CodeMalformedFile, "CSV ファイルを読み取れませんでした。", err)
		}
		records = append(records, record)
	}
	return records, nil
}

func readXLSX(data []byte) ([][]string, error) {
	book, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, newError(CodeMalformedFile, "XLSX ファイルを読み取れませんでした。", err)
	}
	defer book.Close()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}
	rows, err := book.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, newError(CodeMalformedFile, "XLSX のシートを読み取れませんでした。", err)
	}
	return rows, nil
}

func buildRows(schema Schema, records [][]string) ([]RawRow, error) {
	headerAt := -1
	for i, record := range records {
		if !isBlank(record) {
			headerAt = i
			break
		}
	}
	if headerAt < 0 {
		return []RawRow{}, nil
	}

	index := schema.resolve()
	columns := make([]string, len(records[headerAt]))
	present := make(map[string]bool)
	for i, label := range records[headerAt] {
		name, ok := index[normalizeHeader(label)]
		if !ok || present[name] {
			continue
		}
		columns[i] = name
		present[name] = true
	}

	var missing []string
	for _, f := range schema.Fields {
		if f.Required && !present[f.Name] {
			missing = append(missing, f.Label)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, newError(CodeMissingColumns, fmt.Sprintf("必須の列がありません: %s", strings.Join(missing, ", ")), nil)
	}

	rows := make([]RawRow, 0, len(records)-headerAt-1)
	for offset, record := range records[headerAt+1:] {
		if isBlank(record) {
			continue
		}
		values := make(map[string]string, len(present))
		for i, cell := range record {
			if i >= len(columns) || columns[i] == "" {
				continue
			}
			values[columns[i]] = strings.TrimSpace(cell)
		}
		rows = append(rows, RawRow{Index: offset + 1, Values: values})
	}
	return rows, nil
}

func isBlank(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
