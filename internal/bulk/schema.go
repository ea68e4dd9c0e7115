package bulk

import (
	"strings"
)

// Field はスプレッドシートの1列の定義です。
type Field struct {
	Name     string
	Label    string
	Aliases  []string
	Required bool
}

// Schema は種別ごとの列定義です。
type Schema struct {
	Type   JobType
	Fields []Field
}

var schemas = map[JobType]Schema{
	JobTypeStudents: {
		Type: JobTypeStudents,
		Fields: []Field{
			{Name: "name", Label: "Name", Aliases: []string{"full name", "student name"}, Required: true},
			{Name: "email", Label: "Email", Aliases: []string{"email address", "e-mail"}, Required: true},
			{Name: "phone", Label: "Phone", Aliases: []string{"mobile", "phone number", "contact"}, Required: true},
			{Name: "rollNumber", Label: "Roll Number", Aliases: []string{"roll no", "roll"}, Required: true},
			{Name: "department", Label: "Department", Aliases: []string{"branch"}, Required: true},
			{Name: "batchYear", Label: "Batch Year", Aliases: []string{"batch", "admission year"}},
			{Name: "dateOfBirth", Label: "Date of Birth", Aliases: []string{"dob", "birth date"}},
			{Name: "gender", Label: "Gender"},
		},
	},
	JobTypeUsers: {
		Type: JobTypeUsers,
		Fields: []Field{
			{Name: "name", Label: "Name", Aliases: []string{"full name"}, Required: true},
			{Name: "email", Label: "Email", Aliases: []string{"email address", "e-mail"}, Required: true},
			{Name: "phone", Label: "Phone", Aliases: []string{"mobile", "phone number", "contact"}, Required: true},
			{Name: "role", Label: "Role", Required: true},
			{Name: "designation", Label: "Designation"},
			{Name: "institutionCode", Label: "Institution Code", Aliases: []string{"institute code", "college code"}},
		},
	},
	JobTypeInstitutions: {
		Type: JobTypeInstitutions,
		Fields: []Field{
			{Name: "code", Label: "Code", Aliases: []string{"institution code", "college code"}, Required: true},
			{Name: "name", Label: "Name", Aliases: []string{"institution name", "college name"}, Required: true},
			{Name: "type", Label: "Type", Aliases: []string{"institution type"}, Required: true},
			{Name: "email", Label: "Email", Aliases: []string{"email address", "e-mail"}, Required: true},
			{Name: "phone", Label: "Phone", Aliases: []string{"contact", "phone number"}, Required: true},
			{Name: "district", Label: "District", Required: true},
			{Name: "city", Label: "City"},
			{Name: "establishedYear", Label: "Established Year", Aliases: []string{"established", "year of establishment"}},
		},
	},
	JobTypeSelfInternships: {
		Type: JobTypeSelfInternships,
		Fields: []Field{
			{Name: "studentEmail", Label: "Student Email", Aliases: []string{"email"}, Required: true},
			{Name: "companyName", Label: "Company Name", Aliases: []string{"company", "organization"}, Required: true},
			{Name: "designation", Label: "Designation", Aliases: []string{"position", "role"}, Required: true},
			{Name: "startDate", Label: "Start Date", Aliases: []string{"from"}, Required: true},
			{Name: "endDate", Label: "End Date", Aliases: []string{"to"}, Required: true},
			{Name: "stipend", Label: "Stipend"},
			{Name: "workMode", Label: "Work Mode", Aliases: []string{"mode"}},
		},
	},
}

// SchemaFor は種別の列定義を返します。
func SchemaFor(t JobType) (Schema, bool) {
	s, ok := schemas[t]
	return s, ok
}

// Labels はテンプレートのヘッダー行を返します。
func (s Schema) Labels() []string {
	labels := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		labels[i] = f.Label
	}
	return labels
}

// resolve はヘッダー名から列名を引くための索引を作ります。
func (s Schema) resolve() map[string]string {
	index := make(map[string]string)
	for _, f := range s.Fields {
		index[normalizeHeader(f.Name)] = f.Name
		index[normalizeHeader(f.Label)] = f.Name
		for _, alias := range f.Aliases {
			key := normalizeHeader(alias)
			if _, taken := index[key]; !taken {
				index[key] = f.Name
			}
		}
	}
	return index
}

func normalizeHeader(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	return strings.NewReplacer(" ", "", "_", "", "-", "", ".", "").Replace(raw)
}

// NaturalKey は既存データとの照合に使う自然キーを作ります。
func NaturalKey(t JobType, values map[string]string) string {
	switch t {
	case JobTypeStudents, JobTypeUsers:
		return strings.ToLower(strings.TrimSpace(values["email"]))
	case JobTypeInstitutions:
		return strings.ToUpper(strings.TrimSpace(values["code"]))
	case JobTypeSelfInternships:
		return strings.Join([]string{
			strings.ToLower(strings.TrimSpace(values["studentEmail"])),
			strings.ToLower(strings.TrimSpace(values["companyName"])),
			strings.TrimSpace(values["startDate"]),
		}, "|")
	default:
		return ""
	}
}
