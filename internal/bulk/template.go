package bulk

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

const templateSheet = "Data"

// Template はダウンロード用のテンプレートファイルです。
type Template struct {
	FileName    string
	ContentType string
	Data        []byte
}

// TemplateFile は種別ごとのヘッダー行だけを持つ空のテンプレートを生成します。
func TemplateFile(jobType JobType, format Format) (*Template, error) {
	schema, ok := SchemaFor(jobType)
	if !ok {
		return nil, newError(CodeInvalidInput, fmt.Sprintf("未対応の種別です: %s", jobType), nil)
	}
	base := strings.ToLower(string(jobType)) + "_template"

	switch format {
	case FormatCSV:
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.Write(schema.Labels()); err != nil {
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, fmt.Errorf("flush csv header: %w", err)
		}
		return &Template{FileName: base + ".csv", ContentType: "text/csv; charset=utf-8", Data: buf.Bytes()}, nil
	case FormatXLSX, "":
		data, err := xlsxTemplate(schema)
		if err != nil {
			return nil, err
		}
		return &Template{FileName: base + ".xlsx", ContentType: xlsxMIME, Data: data}, nil
	default:
		return nil, newError(CodeUnsupportedFormat, "format には csv または xlsx を指定してください。", nil)
	}
}

func xlsxTemplate(schema Schema) ([]byte, error) {
	book := excelize.NewFile()
	defer book.Close()

	if err := book.SetSheetName(book.GetSheetName(0), templateSheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	labels := schema.Labels()
	header := make([]any, len(labels))
	for i, label := range labels {
		header[i] = label
	}
	if err := book.SetSheetRow(templateSheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	style, err := book.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"DDEBF7"}},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}
	lastCell, err := excelize.CoordinatesToCellName(len(labels), 1)
	if err != nil {
		return nil, fmt.Errorf("resolve header range: %w", err)
	}
	if err := book.SetCellStyle(templateSheet, "A1", lastCell, style); err != nil {
		return nil, fmt.Errorf("apply header style: %w", err)
	}
	lastCol, err := excelize.ColumnNumberToName(len(labels))
	if err != nil {
		return nil, fmt.Errorf("resolve header column: %w", err)
	}
	if err := book.SetColWidth(templateSheet, "A", lastCol, 20); err != nil {
		return nil, fmt.Errorf("set column width: %w", err)
	}
	if err := book.SetPanes(templateSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return nil, fmt.Errorf("freeze header: %w", err)
	}

	buf, err := book.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("encode xlsx: %w", err)
	}
	return buf.Bytes(), nil
}
