package bulk

import (
	"errors"
	"testing"

	"github.com/xuri/excelize/v2"
)

func TestParseCSVNormalizesHeaders(t *testing.T) {
	t.Parallel()

	data := "\ufeffName,E-mail,Mobile,Roll No,Branch,Unknown\n" +
		"Asha Rao,asha@example.com,98765 43210,R1,CSE,x\n" +
		",,,,,\n" +
		"Ravi,ravi@example.com,9876543211,R2\n"

	rows, err := ParseFile("students.csv", []byte(data), JobTypeStudents)
	if err != nil {
		t.Fatalf("ParseFile returned error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Index != 1 || rows[1].Index != 3 {
		t.Fatalf("blank rows must keep numbering: got %d, %d", rows[0].Index, rows[1].Index)
	}
	first := rows[0].Values
	if first["name"] != "Asha Rao" || first["email"] != "asha@example.com" || first["phone"] != "98765 43210" {
		t.Fatalf("unexpected values: %+v", first)
	}
	if first["rollNumber"] != "R1" || first["department"] != "CSE" {
		t.Fatalf("aliases not resolved: %+v", first)
	}
	if _, ok := first["Unknown"]; ok {
		t.Fatal("unknown columns must be ignored")
	}
	if rows[1].Values["department"] != "" {
		t.Fatalf("ragged row should leave missing cells empty: %+v", rows[1].Values)
	}
}

func TestParseMissingColumns(t *testing.T) {
	t.Parallel()

	_, err := ParseFile("students.csv", []byte("Name,Email\nA,a@example.com\n"), JobTypeStudents)
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != CodeMissingColumns {
		t.Fatalf("expected MISSING_COLUMNS, got %v", err)
	}
	want := "必須の列がありません: Department, Phone, Roll Number"
	if apiErr.Message != want {
		t.Fatalf("unexpected message: %q", apiErr.Message)
	}
}

func TestParseUnsupportedAndMalformed(t *testing.T) {
	t.Parallel()

	var apiErr *Error
	if _, err := ParseFile("students.txt", []byte("a"), JobTypeStudents); !errors.As(err, &apiErr) || apiErr.Code != CodeUnsupportedFormat {
		t.Fatalf("expected UNSUPPORTED_FORMAT, got %v", err)
	}
	if _, err := ParseFile("students.xlsx", []byte("not a zip"), JobTypeStudents); !errors.As(err, &apiErr) || apiErr.Code != CodeMalformedFile {
		t.Fatalf("expected MALFORMED_FILE, got %v", err)
	}
	if _, err := ParseFile("students.csv", []byte("Name,\"Email\nx"), JobTypeStudents); !errors.As(err, &apiErr) || apiErr.Code != CodeMalformedFile {
		t.Fatalf("expected MALFORMED_FILE for broken quotes, got %v", err)
	}
}

func TestParseHeaderOnly(t *testing.T) {
	t.Parallel()

	rows, err := ParseFile("users.csv", []byte("Name,Email,Phone,Role\n"), JobTypeUsers)
	if err != nil {
		t.Fatalf("ParseFile returned error: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(rows))
	}
}

func TestParseXLSX(t *testing.T) {
	t.Parallel()

	book := excelize.NewFile()
	sheet := book.GetSheetName(0)
	header := []any{"Code", "Institution Name", "Type", "Email", "Phone", "District"}
	row := []any{"GPT03", "Govt Polytechnic", "POLYTECHNIC", "gpt03@example.com", 9876543210, "Pune"}
	if err := book.SetSheetRow(sheet, "A1", &header); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if err := book.SetSheetRow(sheet, "A2", &row); err != nil {
		t.Fatalf("write row: %v", err)
	}
	buf, err := book.WriteToBuffer()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	rows, err := ParseFile("institutions.xlsx", buf.Bytes(), JobTypeInstitutions)
	if err != nil {
		t.Fatalf("ParseFile returned error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	got := rows[0].Values
	if got["code"] != "GPT03" || got["name"] != "Govt Polytechnic" || got["phone"] != "9876543210" {
		t.Fatalf("unexpected values: %+v", got)
	}
}
