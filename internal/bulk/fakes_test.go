package bulk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/yourusername/campus-bulk/internal/audit"
	"github.com/yourusername/campus-bulk/internal/tenant"
)

var fixedNow = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

// memStore は Lookup と Sink を兼ねるテスト用のインメモリ実装です。
type memStore struct {
	mu           sync.Mutex
	entities     map[JobType]map[string]*Existing
	rolls        map[string]*Existing
	institutions map[string]string
	conflictKeys map[string]bool
	failKeys     map[string]error
	lookupErr    error
	saved        []SaveRequest
	seq          int
}

func newMemStore() *memStore {
	return &memStore{
		entities:     make(map[JobType]map[string]*Existing),
		rolls:        make(map[string]*Existing),
		institutions: map[string]string{"GPT01": "inst-1", "GPT02": "inst-2"},
		conflictKeys: make(map[string]bool),
		failKeys:     make(map[string]error),
	}
}

func (m *memStore) put(t JobType, key string, e *Existing) {
	if m.entities[t] == nil {
		m.entities[t] = make(map[string]*Existing)
	}
	m.entities[t][key] = e
}

func (m *memStore) FindByKey(_ context.Context, t JobType, key string) (*Existing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	if e, ok := m.entities[t][key]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) FindStudentByRoll(_ context.Context, institutionID, roll string) (*Existing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.rolls[institutionID+"|"+strings.ToUpper(roll)]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) FindInstitutionByCode(_ context.Context, code string) (*Existing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.institutions[code]; ok {
		return &Existing{ID: id, InstitutionID: id}, nil
	}
	return nil, nil
}

func (m *memStore) InstitutionExists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.institutions {
		if v == id {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) Save(_ context.Context, req SaveRequest) (SaveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failKeys[req.Key]; ok {
		return SaveResult{}, err
	}
	if m.conflictKeys[req.Key] {
		return SaveResult{}, ErrConflict
	}
	m.saved = append(m.saved, req)

	if existing, ok := m.entities[req.Type][req.Key]; ok {
		ref := EntityRef{Type: req.Type, ID: existing.ID, Key: req.Key}
		if req.JobID != "" && existing.CreatedByJob == req.JobID {
			return SaveResult{Ref: ref, Action: ActionCreated, Replayed: true}, nil
		}
		if req.Mode == ModeUpsert {
			return SaveResult{Ref: ref, Action: ActionUpdated}, nil
		}
		return SaveResult{}, ErrConflict
	}

	m.seq++
	id := fmt.Sprintf("id-%d", m.seq)
	entity := &Existing{ID: id, InstitutionID: req.Data["institutionId"], CreatedByJob: req.JobID}
	m.put(req.Type, req.Key, entity)
	if req.Type == JobTypeStudents {
		m.rolls[req.Data["institutionId"]+"|"+strings.ToUpper(req.Data["rollNumber"])] = entity
	}
	return SaveResult{Ref: EntityRef{Type: req.Type, ID: id, Key: req.Key}, Action: ActionCreated}, nil
}

type auditSpy struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *auditSpy) Record(_ context.Context, e audit.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *auditSpy) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

type fileStoreStub struct {
	saved   map[string][]byte
	removed []string
}

func (f *fileStoreStub) Save(_ context.Context, jobID, filename string, data []byte) (string, error) {
	if f.saved == nil {
		f.saved = make(map[string][]byte)
	}
	f.saved[jobID] = data
	return "/uploads/" + jobID + "/in/" + filename, nil
}

func (f *fileStoreStub) Remove(jobID string) error {
	f.removed = append(f.removed, jobID)
	return nil
}

type schedulerStub struct {
	subs []*Submission
	err  error
}

func (s *schedulerStub) Schedule(_ context.Context, sub *Submission) error {
	if s.err != nil {
		return s.err
	}
	s.subs = append(s.subs, sub)
	return nil
}

var errBoom = errors.New("boom")

var principalScope = tenant.Scope{UserID: "principal-1", Role: tenant.RolePrincipal, InstitutionID: "inst-1"}

func newTestService(store *memStore, opts Options) *Service {
	opts.Lookup = store
	opts.Sink = store
	if opts.Limits == (Limits{}) {
		opts.Limits = Limits{MaxFileSize: 1 << 20, MaxRows: 100, SyncRowThreshold: 10}
	}
	svc := NewService(opts)
	svc.validator.now = func() time.Time { return fixedNow }
	return svc
}

func newTestValidator(store *memStore) *Validator {
	v := NewValidator(store)
	v.now = func() time.Time { return fixedNow }
	return v
}
