package store

import (
	"context"
	"errors"
	"testing"

	"github.com/yourusername/campus-bulk/internal/audit"
	"github.com/yourusername/campus-bulk/internal/bulk"
	"github.com/yourusername/campus-bulk/internal/tenant"
)

var (
	stateScope     = tenant.Scope{UserID: "state-1", Role: tenant.RoleStateDirectorate}
	principalScope = tenant.Scope{UserID: "p-1", Role: tenant.RolePrincipal, InstitutionID: "inst-1"}
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedInstitution(t *testing.T, db *DB, code string) string {
	t.Helper()
	res, err := db.Save(context.Background(), bulk.SaveRequest{
		Type:  bulk.JobTypeInstitutions,
		Scope: stateScope,
		Key:   code,
		Data: map[string]string{
			"name": "Govt Polytechnic " + code, "type": "POLYTECHNIC", "email": code + "@example.com",
			"phone": "9876543210", "district": "Pune",
		},
	})
	if err != nil {
		t.Fatalf("seed institution: %v", err)
	}
	return res.Ref.ID
}

func studentReq(jobID, institutionID, email, roll string, mode bulk.Mode) bulk.SaveRequest {
	return bulk.SaveRequest{
		JobID: jobID,
		Type:  bulk.JobTypeStudents,
		Mode:  mode,
		Scope: principalScope,
		Key:   email,
		Data: map[string]string{
			"institutionId": institutionID, "name": "Asha Rao", "phone": "9876543210",
			"rollNumber": roll, "department": "CSE",
		},
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	if err := db.migrate(context.Background()); err != nil {
		t.Fatalf("second migrate must succeed: %v", err)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", "dsn"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestSaveCreateReplayAndConflict(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	inst := seedInstitution(t, db, "GPT01")

	created, err := db.Save(ctx, studentReq("job-1", inst, "asha@example.com", "R1", bulk.ModeCreate))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if created.Action != bulk.ActionCreated || created.Replayed || created.Ref.ID == "" {
		t.Fatalf("unexpected result: %+v", created)
	}

	replay, err := db.Save(ctx, studentReq("job-1", inst, "asha@example.com", "R1", bulk.ModeCreate))
	if err != nil {
		t.Fatalf("replay Save: %v", err)
	}
	if !replay.Replayed || replay.Ref.ID != created.Ref.ID {
		t.Fatalf("same job must replay the existing entity: %+v", replay)
	}

	if _, err := db.Save(ctx, studentReq("job-2", inst, "asha@example.com", "R1", bulk.ModeCreate)); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if _, err := db.Save(ctx, studentReq("job-3", inst, "other@example.com", "R1", bulk.ModeCreate)); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate roll number must hit the unique constraint, got %v", err)
	}
}

func TestSaveUpsert(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	inst := seedInstitution(t, db, "GPT01")
	other := seedInstitution(t, db, "GPT02")

	first, err := db.Save(ctx, studentReq("job-1", inst, "asha@example.com", "R1", bulk.ModeCreate))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	req := studentReq("job-2", inst, "asha@example.com", "R1", bulk.ModeUpsert)
	req.Data["department"] = "ECE"
	updated, err := db.Save(ctx, req)
	if err != nil {
		t.Fatalf("upsert Save: %v", err)
	}
	if updated.Action != bulk.ActionUpdated || updated.Ref.ID != first.Ref.ID {
		t.Fatalf("unexpected upsert result: %+v", updated)
	}
	var dept string
	if err := db.queryRow(ctx, `SELECT department FROM students WHERE id = ?`, first.Ref.ID).Scan(&dept); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if dept != "ECE" {
		t.Fatalf("department not updated: %s", dept)
	}

	cross := studentReq("job-3", other, "asha@example.com", "R1", bulk.ModeUpsert)
	if _, err := db.Save(ctx, cross); !errors.Is(err, ErrConflict) {
		t.Fatalf("upsert across tenants must conflict, got %v", err)
	}
}

func TestLookups(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	inst := seedInstitution(t, db, "GPT01")

	if _, err := db.Save(ctx, studentReq("job-1", inst, "asha@example.com", "R1", bulk.ModeCreate)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	found, err := db.FindByKey(ctx, bulk.JobTypeStudents, "asha@example.com")
	if err != nil || found == nil {
		t.Fatalf("FindByKey: %+v, %v", found, err)
	}
	if found.InstitutionID != inst || found.CreatedByJob != "job-1" {
		t.Fatalf("unexpected existing: %+v", found)
	}
	if missing, err := db.FindByKey(ctx, bulk.JobTypeUsers, "asha@example.com"); err != nil || missing != nil {
		t.Fatalf("expected no user, got %+v, %v", missing, err)
	}

	roll, err := db.FindStudentByRoll(ctx, inst, "r1")
	if err != nil || roll == nil || roll.ID != found.ID {
		t.Fatalf("FindStudentByRoll: %+v, %v", roll, err)
	}

	code, err := db.FindInstitutionByCode(ctx, "gpt01")
	if err != nil || code == nil || code.ID != inst || code.InstitutionID != inst {
		t.Fatalf("FindInstitutionByCode: %+v, %v", code, err)
	}

	ok, err := db.InstitutionExists(ctx, inst)
	if err != nil || !ok {
		t.Fatalf("InstitutionExists(%s) = %v, %v", inst, ok, err)
	}
	if ok, _ := db.InstitutionExists(ctx, "nope"); ok {
		t.Fatal("unknown institution must not exist")
	}
}

func TestAuditRecorderWritesThroughDB(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	rec := audit.NewSQLRecorder(db)
	if err := rec.Record(ctx, audit.Event{Action: audit.ActionCreate, EntityType: "STUDENTS", EntityID: "s-1", JobID: "job-1"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	var count int
	if err := db.queryRow(ctx, `SELECT COUNT(*) FROM audit_logs WHERE job_id = ?`, "job-1").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 audit row, got %d", count)
	}
}

func TestRebind(t *testing.T) {
	pg := &DB{driver: DriverPostgres}
	if got := pg.rebind("SELECT 1 FROM t WHERE a = ? AND b = ?"); got != "SELECT 1 FROM t WHERE a = $1 AND b = $2" {
		t.Fatalf("unexpected rebind: %s", got)
	}
	lite := &DB{driver: DriverSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite queries must not change: %s", got)
	}
}
