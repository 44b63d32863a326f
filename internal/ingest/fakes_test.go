package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/syncman/internal/model"
	"github.com/hitoshi/syncman/internal/repository"
	"github.com/hitoshi/syncman/internal/unification"
)

// --- インメモリのUnitOfWork ---

// memDB はテスト用のインメモリストア。
// トランザクションは即時に書き込み、ロールバック時に取り消し操作を逆順に適用する。
type memDB struct {
	mu        sync.Mutex
	records   map[string]*model.UnifiedCustomer // id -> record
	defs      map[string]*model.FieldMappingDefinition
	values    map[string]*model.FieldMappingValue // defID|recordID -> value
	snapshots map[string]*model.RemoteDataSnapshot
	remote    []model.FieldMappingRemote

	// findDelay は照合の後に待機する時間。ロックがない場合の競合を再現する。
	findDelay time.Duration
	// failSnapshotFor はスナップショットの保存を失敗させるremote_id。
	failSnapshotFor string
	commits         atomic.Int32
	rollbacks       atomic.Int32
}

func newMemDB() *memDB {
	return &memDB{
		records:   make(map[string]*model.UnifiedCustomer),
		defs:      make(map[string]*model.FieldMappingDefinition),
		values:    make(map[string]*model.FieldMappingValue),
		snapshots: make(map[string]*model.RemoteDataSnapshot),
	}
}

func (db *memDB) Read() repository.Stores[*model.UnifiedCustomer] {
	return db.stores(&memTx{db: db})
}

func (db *memDB) WithinTx(ctx context.Context, fn func(s repository.Stores[*model.UnifiedCustomer]) error) error {
	tx := &memTx{db: db}
	if err := fn(db.stores(tx)); err != nil {
		tx.rollback()
		db.rollbacks.Add(1)
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		db.rollbacks.Add(1)
		return err
	}
	db.commits.Add(1)
	return nil
}

func (db *memDB) stores(tx *memTx) repository.Stores[*model.UnifiedCustomer] {
	return repository.Stores[*model.UnifiedCustomer]{
		Records:       &memRecords{tx: tx},
		FieldMappings: &memFieldMappings{tx: tx},
		RemoteData:    &memRemoteData{tx: tx},
	}
}

func (db *memDB) recordCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.records)
}

func (db *memDB) recordsByRemoteID(connID, remoteID string) []*model.UnifiedCustomer {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*model.UnifiedCustomer
	for _, r := range db.records {
		if r.ConnectionID == connID && r.RemoteID == remoteID {
			out = append(out, r)
		}
	}
	return out
}

type memTx struct {
	db   *memDB
	undo []func()
}

// record は取り消し操作を登録する。db.muを保持した状態で呼び出す。
func (tx *memTx) record(fn func()) {
	tx.undo = append(tx.undo, fn)
}

func (tx *memTx) rollback() {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
}

func cloneCustomer(c *model.UnifiedCustomer) *model.UnifiedCustomer {
	cp := *c
	return &cp
}

type memRecords struct{ tx *memTx }

func (r *memRecords) find(match func(*model.UnifiedCustomer) bool) (*model.UnifiedCustomer, bool) {
	db := r.tx.db
	db.mu.Lock()
	var found *model.UnifiedCustomer
	var ids []string
	for id := range db.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if match(db.records[id]) {
			found = cloneCustomer(db.records[id])
			break
		}
	}
	db.mu.Unlock()

	if db.findDelay > 0 {
		time.Sleep(db.findDelay)
	}
	return found, found != nil
}

func (r *memRecords) FindByRemoteID(_ context.Context, connID, remoteID string) (*model.UnifiedCustomer, bool, error) {
	rec, ok := r.find(func(c *model.UnifiedCustomer) bool {
		return c.ConnectionID == connID && c.RemoteID == remoteID
	})
	return rec, ok, nil
}

func (r *memRecords) FindByNaturalKey(_ context.Context, connID, key string) (*model.UnifiedCustomer, bool, error) {
	rec, ok := r.find(func(c *model.UnifiedCustomer) bool {
		return c.ConnectionID == connID && c.RemoteID == "" && c.Name == key
	})
	return rec, ok, nil
}

func (r *memRecords) Create(_ context.Context, rec *model.UnifiedCustomer) error {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	id := rec.ID
	db.records[id] = cloneCustomer(rec)
	r.tx.record(func() { delete(db.records, id) })
	return nil
}

func (r *memRecords) Update(_ context.Context, rec *model.UnifiedCustomer) error {
	db := r.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	prev, ok := db.records[rec.ID]
	if !ok {
		return errors.New("レコードが存在しません")
	}
	db.records[rec.ID] = cloneCustomer(rec)
	r.tx.record(func() { db.records[prev.ID] = prev })
	return nil
}

type memFieldMappings struct{ tx *memTx }

func (m *memFieldMappings) EnsureDefinition(_ context.Context, projectID string, key model.ResourceKey, slug string) (*model.FieldMappingDefinition, error) {
	db := m.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	k := projectID + "|" + key.String() + "|" + slug
	if d, ok := db.defs[k]; ok {
		return d, nil
	}
	d := &model.FieldMappingDefinition{ID: "def-" + slug, ProjectID: projectID, Key: key, Slug: slug}
	db.defs[k] = d
	m.tx.record(func() { delete(db.defs, k) })
	return d, nil
}

func (m *memFieldMappings) UpsertValue(_ context.Context, v *model.FieldMappingValue) error {
	db := m.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	k := v.DefinitionID + "|" + v.RecordID
	prev, existed := db.values[k]
	cp := *v
	if existed {
		cp.ID = prev.ID
		cp.CreatedAt = prev.CreatedAt
	}
	db.values[k] = &cp
	m.tx.record(func() {
		if existed {
			db.values[k] = prev
		} else {
			delete(db.values, k)
		}
	})
	return nil
}

func (m *memFieldMappings) LinkRemoteField(context.Context, string, string, string) error {
	return nil
}

func (m *memFieldMappings) ListRemote(context.Context, string, model.ResourceKey, string) ([]model.FieldMappingRemote, error) {
	return m.tx.db.remote, nil
}

func (m *memFieldMappings) ListValuesByRecord(_ context.Context, recordID string) ([]model.FieldMappingValue, error) {
	db := m.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []model.FieldMappingValue
	for _, v := range db.values {
		if v.RecordID == recordID {
			cp := *v
			for _, d := range db.defs {
				if d.ID == v.DefinitionID {
					cp.Slug = d.Slug
				}
			}
			out = append(out, cp)
		}
	}
	return out, nil
}

type memRemoteData struct{ tx *memTx }

func (m *memRemoteData) Upsert(_ context.Context, s *model.RemoteDataSnapshot) error {
	db := m.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()

	var payload struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(s.Payload, &payload)
	if db.failSnapshotFor != "" && payload.ID == db.failSnapshotFor {
		return errors.New("snapshot write failed")
	}

	prev, existed := db.snapshots[s.RecordID]
	cp := *s
	db.snapshots[s.RecordID] = &cp
	m.tx.record(func() {
		if existed {
			db.snapshots[s.RecordID] = prev
		} else {
			delete(db.snapshots, s.RecordID)
		}
	})
	return nil
}

func (m *memRemoteData) FindByRecordID(_ context.Context, id string) (*model.RemoteDataSnapshot, error) {
	db := m.tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.snapshots[id], nil
}

var _ repository.UnitOfWork[*model.UnifiedCustomer] = (*memDB)(nil)

// --- アダプタ ---

type customerPayload struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Color string `json:"color,omitempty"`
}

// fakeAdapter はテスト用のアダプタ。payloadsをそのまま返す。
type fakeAdapter struct {
	provider string
	mu       sync.Mutex
	payloads []customerPayload
	raw      []model.RawRecord
	fetchErr error
	calls    atomic.Int32
}

func (a *fakeAdapter) Provider() string { return a.provider }

func (a *fakeAdapter) setPayloads(p ...customerPayload) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.payloads = p
}

// setRaw はプロバイダーが返す生ペイロードをそのまま設定する。
func (a *fakeAdapter) setRaw(raw ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.raw = make([]model.RawRecord, len(raw))
	for i, r := range raw {
		a.raw[i] = model.RawRecord(r)
	}
}

func (a *fakeAdapter) Fetch(context.Context, model.SyncParam) ([]model.RawRecord, error) {
	a.calls.Add(1)
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.raw != nil {
		return a.raw, nil
	}
	out := make([]model.RawRecord, len(a.payloads))
	for i, p := range a.payloads {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func (a *fakeAdapter) Unify(raw []model.RawRecord, connectionID string, _ []model.FieldMappingRemote) ([]*model.UnifiedCustomer, error) {
	payloads := unification.DecodeAll[customerPayload](raw)
	out := make([]*model.UnifiedCustomer, len(payloads))
	for i, p := range payloads {
		c := &model.UnifiedCustomer{Name: p.Name, Email: p.Email}
		c.RemoteID = p.ID
		c.ConnectionID = connectionID
		out[i] = c
	}
	return out, nil
}

func (a *fakeAdapter) Desunify(c *model.UnifiedCustomer, _ []model.FieldMappingRemote) (model.RawRecord, error) {
	return json.Marshal(customerPayload{ID: c.RemoteID, Name: c.Name, Email: c.Email})
}

var _ Adapter[*model.UnifiedCustomer] = (*fakeAdapter)(nil)

// --- 接続・通知・記録 ---

type mockConnectionRepo struct {
	conns map[string]*model.Connection // linkedUserID|provider -> conn
	err   error
}

func (m *mockConnectionRepo) FindActive(_ context.Context, linkedUserID, provider string, _ model.Category) (*model.Connection, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.conns[linkedUserID+"|"+provider], nil
}

type mockNotifier struct {
	mu     sync.Mutex
	events []*model.WebhookEvent
	err    error
}

func (m *mockNotifier) Notify(_ context.Context, e *model.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

type mockRecorder struct {
	mu      sync.Mutex
	reports []*model.RunReport
}

func (m *mockRecorder) RecordRun(_ context.Context, r *model.RunReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
}
