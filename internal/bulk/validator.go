package bulk

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/yourusername/campus-bulk/internal/tenant"
)

// Existing は照会で見つかった既存エンティティです。
type Existing struct {
	ID            string
	InstitutionID string
	CreatedByJob  string
}

// Lookup は検証で使う読み取り専用の照会です。見つからない場合は nil, nil を返します。
type Lookup interface {
	FindByKey(ctx context.Context, t JobType, key string) (*Existing, error)
	FindStudentByRoll(ctx context.Context, institutionID, rollNumber string) (*Existing, error)
	FindInstitutionByCode(ctx context.Context, code string) (*Existing, error)
	InstitutionExists(ctx context.Context, id string) (bool, error)
}

// RunScope は1回の検証・登録処理に共通する条件です。JobID は同期処理では空です。
type RunScope struct {
	JobID string
	Type  JobType
	Mode  Mode
	Scope tenant.Scope
}

// Pass は1ファイル内で既に現れたキーを記録します。
type Pass struct {
	seen map[string]int
}

// NewPass は空の Pass を返します。
func NewPass() *Pass {
	return &Pass{seen: make(map[string]int)}
}

// Validator は行単位の検証エンジンです。
type Validator struct {
	lookup Lookup
	now    func() time.Time
}

// NewValidator は照会先を受け取って Validator を生成します。
func NewValidator(lookup Lookup) *Validator {
	return &Validator{lookup: lookup, now: time.Now}
}

type passKey struct {
	field string
	key   string
}

type verdictBuilder struct {
	verdict      Verdict
	data         map[string]string
	code         string
	formatFailed bool
	passKeys     []passKey
}

func (b *verdictBuilder) fail(field, message string) {
	b.formatFailed = true
	b.verdict.Errors = append(b.verdict.Errors, FieldError{Field: field, Message: message})
}

func (b *verdictBuilder) reject(code, field, message string) {
	if b.code == "" {
		b.code = code
	}
	b.verdict.Errors = append(b.verdict.Errors, FieldError{Field: field, Message: message})
}

// text は必須/任意の文字列項目を取り出します。
func (b *verdictBuilder) text(values map[string]string, field string, required bool, min, max int) (string, bool) {
	value := strings.TrimSpace(values[field])
	if value == "" {
		if required {
			b.fail(field, "必須項目です")
		}
		return "", false
	}
	if n := utf8.RuneCountInString(value); n < min || n > max {
		b.fail(field, fmt.Sprintf("%d〜%d文字で入力してください", min, max))
		return "", false
	}
	b.data[field] = value
	return value, true
}

func (b *verdictBuilder) apply(values map[string]string, field string, required bool, check func(string) (string, string)) (string, bool) {
	raw := strings.TrimSpace(values[field])
	if raw == "" {
		if required {
			b.fail(field, "必須項目です")
		}
		return "", false
	}
	value, msg := check(raw)
	if msg != "" {
		b.fail(field, msg)
		return "", false
	}
	b.data[field] = value
	return value, true
}

// Validate は1行を検証し、違反をすべて集めた結果を返します。
// error を返すのは照会先の障害時のみです。
func (v *Validator) Validate(ctx context.Context, row RawRow, run RunScope, pass *Pass) (Verdict, error) {
	b := &verdictBuilder{
		verdict: Verdict{Row: row.Index},
		data:    make(map[string]string),
	}

	var err error
	switch run.Type {
	case JobTypeStudents:
		err = v.students(ctx, b, row.Values, run)
	case JobTypeUsers:
		err = v.users(ctx, b, row.Values, run)
	case JobTypeInstitutions:
		err = v.institutions(ctx, b, row.Values, run)
	case JobTypeSelfInternships:
		err = v.selfInternships(ctx, b, row.Values, run)
	default:
		return Verdict{}, fmt.Errorf("unsupported job type %q", run.Type)
	}
	if err != nil {
		return Verdict{}, err
	}

	if pass != nil {
		for _, pk := range b.passKeys {
			if first, ok := pass.seen[pk.key]; ok {
				b.reject(RowCodeDuplicateInFile, pk.field, fmt.Sprintf("%d 行目と重複しています", first))
			}
		}
	}

	verdict := b.verdict
	verdict.Valid = len(verdict.Errors) == 0
	if verdict.Valid {
		verdict.Data = b.data
		if pass != nil {
			for _, pk := range b.passKeys {
				pass.seen[pk.key] = row.Index
			}
		}
		return verdict, nil
	}
	verdict.Code = b.code
	if b.formatFailed || verdict.Code == "" {
		verdict.Code = RowCodeValidation
	}
	return verdict, nil
}

// ValidateScope は登録先の機関が存在するかを確認します。
func (v *Validator) ValidateScope(ctx context.Context, t JobType, scope tenant.Scope) error {
	if scope.InstitutionID == "" {
		if t.NeedsInstitution() {
			return newError(CodeInvalidInput, "登録先の機関 (institutionId) を指定してください。", nil)
		}
		return nil
	}
	ok, err := v.lookup.InstitutionExists(ctx, scope.InstitutionID)
	if err != nil {
		return fmt.Errorf("lookup institution %s: %w", scope.InstitutionID, err)
	}
	if !ok {
		return newError(CodeInstitutionNotFound, "指定された機関が見つかりません。", nil)
	}
	return nil
}

// checkExisting は自然キーの衝突を確認します。同じジョブが作成済みのもの(再配信)と、
// upsert で同じテナントに属するものは受け付けます。
func (v *Validator) checkExisting(ctx context.Context, b *verdictBuilder, run RunScope, field, key, institutionID string) (*Existing, error) {
	existing, err := v.lookup.FindByKey(ctx, run.Type, key)
	if err != nil {
		return nil, fmt.Errorf("lookup %s %s: %w", run.Type, key, err)
	}
	if existing == nil {
		return nil, nil
	}
	if run.JobID != "" && existing.CreatedByJob == run.JobID {
		return existing, nil
	}
	if run.Mode == ModeUpsert && (run.Scope.IsState() || existing.InstitutionID == institutionID) {
		return existing, nil
	}
	b.reject(RowCodeDuplicate, field, "既に登録されています")
	return existing, nil
}

// checkSharedEmail は学生と利用者で共有するメールアドレスの重複を確認します。
func (v *Validator) checkSharedEmail(ctx context.Context, b *verdictBuilder, other JobType, email string) error {
	existing, err := v.lookup.FindByKey(ctx, other, email)
	if err != nil {
		return fmt.Errorf("lookup %s %s: %w", other, email, err)
	}
	if existing != nil {
		b.reject(RowCodeDuplicate, "email", "このメールアドレスは別のアカウントで使用されています")
	}
	return nil
}

func (v *Validator) students(ctx context.Context, b *verdictBuilder, values map[string]string, run RunScope) error {
	now := v.now()
	institutionID := run.Scope.InstitutionID

	b.apply(values, "name", true, checkName)
	email, emailOK := b.apply(values, "email", true, checkEmail)
	b.apply(values, "phone", true, checkPhone)
	roll, rollOK := b.apply(values, "rollNumber", true, func(raw string) (string, string) {
		if utf8.RuneCountInString(raw) > 50 {
			return "", "1〜50文字で入力してください"
		}
		return strings.ToUpper(raw), ""
	})
	b.text(values, "department", true, 2, 100)
	b.apply(values, "batchYear", false, func(raw string) (string, string) {
		return checkYear(raw, 1990, now.Year()+1)
	})
	b.apply(values, "dateOfBirth", false, func(raw string) (string, string) {
		dob, ok := parseDate(raw)
		if !ok {
			return "", "日付の形式が正しくありません"
		}
		if age := ageOn(dob, now); age < 14 || age > 100 {
			return "", "生年月日が妥当な範囲ではありません"
		}
		return formatDate(dob), ""
	})
	b.apply(values, "gender", false, func(raw string) (string, string) {
		return checkEnum(raw, genders, "gender")
	})
	b.data["institutionId"] = institutionID

	var self *Existing
	if emailOK {
		b.verdict.Key = email
		b.passKeys = append(b.passKeys, passKey{field: "email", key: "email:" + email})
		existing, err := v.checkExisting(ctx, b, run, "email", email, institutionID)
		if err != nil {
			return err
		}
		self = existing
		if err := v.checkSharedEmail(ctx, b, JobTypeUsers, email); err != nil {
			return err
		}
	}
	if rollOK {
		b.passKeys = append(b.passKeys, passKey{field: "rollNumber", key: "roll:" + institutionID + ":" + roll})
		holder, err := v.lookup.FindStudentByRoll(ctx, institutionID, roll)
		if err != nil {
			return fmt.Errorf("lookup roll number %s: %w", roll, err)
		}
		if holder != nil && (self == nil || holder.ID != self.ID) {
			b.reject(RowCodeDuplicate, "rollNumber", "この学籍番号は既に使用されています")
		}
	}
	return nil
}

func (v *Validator) users(ctx context.Context, b *verdictBuilder, values map[string]string, run RunScope) error {
	b.apply(values, "name", true, checkName)
	email, emailOK := b.apply(values, "email", true, checkEmail)
	b.apply(values, "phone", true, checkPhone)
	b.text(values, "designation", false, 2, 100)

	role, roleOK := b.apply(values, "role", true, func(raw string) (string, string) {
		parsed, err := tenant.ParseRole(raw)
		if err != nil {
			return "", fmt.Sprintf("role の値が不正です: %s", raw)
		}
		if !tenant.CanAssign(run.Scope.Role, parsed) {
			return "", fmt.Sprintf("%s ロールは付与できません", parsed)
		}
		return string(parsed), ""
	})

	institutionID := run.Scope.InstitutionID
	if code := strings.ToUpper(strings.TrimSpace(values["institutionCode"])); code != "" {
		inst, err := v.lookup.FindInstitutionByCode(ctx, code)
		if err != nil {
			return fmt.Errorf("lookup institution code %s: %w", code, err)
		}
		switch {
		case inst == nil:
			b.reject(RowCodeReference, "institutionCode", "指定された機関コードが見つかりません")
		case !run.Scope.IsState() && inst.ID != run.Scope.InstitutionID:
			b.fail("institutionCode", "自機関以外の機関は指定できません")
		default:
			institutionID = inst.ID
			b.data["institutionCode"] = code
		}
	}
	if roleOK {
		if tenant.Role(role) == tenant.RoleIndustry {
			institutionID = ""
		} else if tenant.NeedsInstitution(tenant.Role(role)) && institutionID == "" && strings.TrimSpace(values["institutionCode"]) == "" {
			b.fail("institutionCode", "このロールには所属機関の指定が必要です")
		}
	}
	b.data["institutionId"] = institutionID

	if emailOK {
		b.verdict.Key = email
		b.passKeys = append(b.passKeys, passKey{field: "email", key: "email:" + email})
		if _, err := v.checkExisting(ctx, b, run, "email", email, institutionID); err != nil {
			return err
		}
		if err := v.checkSharedEmail(ctx, b, JobTypeStudents, email); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) institutions(ctx context.Context, b *verdictBuilder, values map[string]string, run RunScope) error {
	now := v.now()

	code, codeOK := b.apply(values, "code", true, func(raw string) (string, string) {
		code := strings.ToUpper(raw)
		if err := validate.Var(strings.ReplaceAll(code, "-", ""), "min=2,max=20,alphanum"); err != nil {
			return "", "機関コードは2〜20文字の英数字で入力してください"
		}
		return code, ""
	})
	b.text(values, "name", true, 2, 200)
	b.apply(values, "type", true, func(raw string) (string, string) {
		return checkEnum(raw, institutionTypes, "type")
	})
	b.apply(values, "email", true, checkEmail)
	b.apply(values, "phone", true, checkPhone)
	b.text(values, "district", true, 2, 100)
	b.text(values, "city", false, 2, 100)
	b.apply(values, "establishedYear", false, func(raw string) (string, string) {
		return checkYear(raw, 1800, now.Year())
	})

	if codeOK {
		b.verdict.Key = code
		b.passKeys = append(b.passKeys, passKey{field: "code", key: "code:" + code})
		if _, err := v.checkExisting(ctx, b, run, "code", code, ""); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) selfInternships(ctx context.Context, b *verdictBuilder, values map[string]string, run RunScope) error {
	now := v.now()
	institutionID := run.Scope.InstitutionID

	studentEmail, emailOK := b.apply(values, "studentEmail", true, checkEmail)
	_, companyOK := b.text(values, "companyName", true, 2, 150)
	b.text(values, "designation", true, 2, 100)
	b.apply(values, "stipend", false, checkStipend)
	b.apply(values, "workMode", false, func(raw string) (string, string) {
		return checkEnum(raw, workModes, "workMode")
	})

	earliest := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	latest := now.AddDate(1, 0, 0)
	var start time.Time
	_, startOK := b.apply(values, "startDate", true, func(raw string) (string, string) {
		t, ok := parseDate(raw)
		if !ok {
			return "", "日付の形式が正しくありません"
		}
		if t.Before(earliest) || t.After(latest) {
			return "", "開始日が妥当な範囲ではありません"
		}
		start = t
		return formatDate(t), ""
	})
	b.apply(values, "endDate", true, func(raw string) (string, string) {
		t, ok := parseDate(raw)
		if !ok {
			return "", "日付の形式が正しくありません"
		}
		if !start.IsZero() {
			if !t.After(start) {
				return "", "終了日は開始日より後の日付にしてください"
			}
			if t.After(start.AddDate(2, 0, 0)) {
				return "", "期間は2年以内にしてください"
			}
		}
		return formatDate(t), ""
	})
	b.data["institutionId"] = institutionID

	if emailOK {
		student, err := v.lookup.FindByKey(ctx, JobTypeStudents, studentEmail)
		if err != nil {
			return fmt.Errorf("lookup student %s: %w", studentEmail, err)
		}
		if student == nil || student.InstitutionID != institutionID {
			b.reject(RowCodeReference, "studentEmail", "指定された学生が見つかりません")
		} else {
			b.data["studentId"] = student.ID
		}
	}

	if emailOK && companyOK && startOK {
		key := NaturalKey(JobTypeSelfInternships, b.data)
		b.verdict.Key = key
		b.passKeys = append(b.passKeys, passKey{field: "startDate", key: "internship:" + key})
		if _, err := v.checkExisting(ctx, b, run, "startDate", key, institutionID); err != nil {
			return err
		}
	}
	return nil
}
