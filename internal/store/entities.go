package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/campus-bulk/internal/bulk"
)

type column struct {
	name  string
	field string
}

type table struct {
	name string
	// tenant は所属機関を表す列です。institutions では自身の id を使います。
	tenant  string
	columns []column
}

var tables = map[bulk.JobType]table{
	bulk.JobTypeInstitutions: {
		name:   "institutions",
		tenant: "id",
		columns: []column{
			{"name", "name"}, {"type", "type"}, {"email", "email"}, {"phone", "phone"},
			{"district", "district"}, {"city", "city"}, {"established_year", "establishedYear"},
		},
	},
	bulk.JobTypeUsers: {
		name:   "users",
		tenant: "institution_id",
		columns: []column{
			{"institution_id", "institutionId"}, {"name", "name"}, {"phone", "phone"},
			{"role", "role"}, {"designation", "designation"},
		},
	},
	bulk.JobTypeStudents: {
		name:   "students",
		tenant: "institution_id",
		columns: []column{
			{"institution_id", "institutionId"}, {"name", "name"}, {"phone", "phone"},
			{"roll_number", "rollNumber"}, {"department", "department"}, {"batch_year", "batchYear"},
			{"date_of_birth", "dateOfBirth"}, {"gender", "gender"},
		},
	},
	bulk.JobTypeSelfInternships: {
		name:   "self_internships",
		tenant: "institution_id",
		columns: []column{
			{"institution_id", "institutionId"}, {"student_id", "studentId"}, {"company_name", "companyName"},
			{"designation", "designation"}, {"start_date", "startDate"}, {"end_date", "endDate"},
			{"stipend", "stipend"}, {"work_mode", "workMode"},
		},
	},
}

func tableFor(t bulk.JobType) (table, error) {
	tbl, ok := tables[t]
	if !ok {
		return table{}, fmt.Errorf("unsupported job type %q", t)
	}
	return tbl, nil
}

type rowQuerier func(ctx context.Context, query string, args ...any) *sql.Row

func findByKey(ctx context.Context, query rowQuerier, tbl table, key string) (*bulk.Existing, error) {
	var e bulk.Existing
	err := query(ctx,
		fmt.Sprintf(`SELECT id, %s, created_by_job FROM %s WHERE natural_key = ?`, tbl.tenant, tbl.name),
		key,
	).Scan(&e.ID, &e.InstitutionID, &e.CreatedByJob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s by key: %w", tbl.name, err)
	}
	return &e, nil
}

// FindByKey は自然キーで既存エンティティを探します。
func (d *DB) FindByKey(ctx context.Context, t bulk.JobType, key string) (*bulk.Existing, error) {
	tbl, err := tableFor(t)
	if err != nil {
		return nil, err
	}
	return findByKey(ctx, d.queryRow, tbl, key)
}

// FindStudentByRoll は機関内の学籍番号で学生を探します。
func (d *DB) FindStudentByRoll(ctx context.Context, institutionID, rollNumber string) (*bulk.Existing, error) {
	var e bulk.Existing
	err := d.queryRow(ctx,
		`SELECT id, institution_id, created_by_job FROM students WHERE institution_id = ? AND roll_number = ?`,
		institutionID, strings.ToUpper(rollNumber),
	).Scan(&e.ID, &e.InstitutionID, &e.CreatedByJob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find student by roll: %w", err)
	}
	return &e, nil
}

// FindInstitutionByCode は機関コードで機関を探します。
func (d *DB) FindInstitutionByCode(ctx context.Context, code string) (*bulk.Existing, error) {
	return d.FindByKey(ctx, bulk.JobTypeInstitutions, strings.ToUpper(code))
}

// InstitutionExists は機関IDが存在するかを返します。
func (d *DB) InstitutionExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := d.queryRow(ctx, `SELECT 1 FROM institutions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check institution: %w", err)
	}
	return true, nil
}

// Save は1行分のエンティティを自然キー単位で冪等に書き込みます。
// 同じジョブが作成済みなら何もせず、upsert で同じテナントのものは更新し、それ以外は ErrConflict です。
func (d *DB) Save(ctx context.Context, req bulk.SaveRequest) (bulk.SaveResult, error) {
	tbl, err := tableFor(req.Type)
	if err != nil {
		return bulk.SaveResult{}, err
	}

	t, err := d.begin(ctx)
	if err != nil {
		return bulk.SaveResult{}, err
	}
	defer t.Rollback()

	existing, err := findByKey(ctx, t.queryRow, tbl, req.Key)
	if err != nil {
		return bulk.SaveResult{}, err
	}

	now := time.Now().UTC()
	var result bulk.SaveResult
	switch {
	case existing == nil:
		id := uuid.NewString()
		if err := insertRow(ctx, t, tbl, id, req, now); err != nil {
			return bulk.SaveResult{}, err
		}
		result = bulk.SaveResult{Ref: ref(req, id), Action: bulk.ActionCreated}
	case req.JobID != "" && existing.CreatedByJob == req.JobID:
		return bulk.SaveResult{Ref: ref(req, existing.ID), Action: bulk.ActionCreated, Replayed: true}, nil
	case req.Mode == bulk.ModeUpsert && (req.Scope.IsState() || existing.InstitutionID == req.Data["institutionId"]):
		if err := updateRow(ctx, t, tbl, existing.ID, req, now); err != nil {
			return bulk.SaveResult{}, err
		}
		result = bulk.SaveResult{Ref: ref(req, existing.ID), Action: bulk.ActionUpdated}
	default:
		return bulk.SaveResult{}, fmt.Errorf("%s %s: %w", tbl.name, req.Key, ErrConflict)
	}

	if err := t.Commit(); err != nil {
		if isUniqueViolation(err) {
			return bulk.SaveResult{}, fmt.Errorf("%s %s: %w", tbl.name, req.Key, ErrConflict)
		}
		return bulk.SaveResult{}, fmt.Errorf("commit %s: %w", tbl.name, err)
	}
	return result, nil
}

func insertRow(ctx context.Context, t *tx, tbl table, id string, req bulk.SaveRequest, now time.Time) error {
	names := []string{"id", "natural_key"}
	args := []any{id, req.Key}
	for _, c := range tbl.columns {
		names = append(names, c.name)
		args = append(args, req.Data[c.field])
	}
	names = append(names, "created_by_job", "created_at", "updated_at")
	args = append(args, req.JobID, now, now)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, tbl.name, strings.Join(names, ", "), placeholders)
	if _, err := t.exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s %s: %w", tbl.name, req.Key, ErrConflict)
		}
		return fmt.Errorf("insert %s: %w", tbl.name, err)
	}
	return nil
}

func updateRow(ctx context.Context, t *tx, tbl table, id string, req bulk.SaveRequest, now time.Time) error {
	sets := make([]string, 0, len(tbl.columns)+1)
	args := make([]any, 0, len(tbl.columns)+2)
	for _, c := range tbl.columns {
		sets = append(sets, c.name+" = ?")
		args = append(args, req.Data[c.field])
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, now, id)

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = ?`, tbl.name, strings.Join(sets, ", "))
	if _, err := t.exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s %s: %w", tbl.name, req.Key, ErrConflict)
		}
		return fmt.Errorf("update %s: %w", tbl.name, err)
	}
	return nil
}

func ref(req bulk.SaveRequest, id string) bulk.EntityRef {
	return bulk.EntityRef{Type: req.Type, ID: id, Key: req.Key}
}

var (
	_ bulk.Lookup = (*DB)(nil)
	_ bulk.Sink   = (*DB)(nil)
)
