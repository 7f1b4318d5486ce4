// Package testutils provides test helpers for the telemetry packages.
// It should not be used outside of a testing context.
package testutils

import (
	"context"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/radar-lgpd/radar-telemetry/internal/telemetry/database"
	"github.com/radar-lgpd/radar-telemetry/internal/telemetry/models"
)

func init() {
	if !testing.Testing() {
		panic("testutils package should only be used in a testing context")
	}
}

// StoredScan is a scan row held by the MemoryStore.
type StoredScan struct {
	RowID      int64
	InstanceID int64
	Submission models.Submission
}

// StoredFinding is a finding row held by the MemoryStore.
type StoredFinding struct {
	ScanRowID int64
	models.Finding
}

type memState struct {
	instances map[int64]models.Instance
	scans     map[string]StoredScan
	findings  []StoredFinding
	nextID    int64
}

func (s memState) clone() memState {
	return memState{
		instances: maps.Clone(s.instances),
		scans:     maps.Clone(s.scans),
		findings:  slices.Clone(s.findings),
		nextID:    s.nextID,
	}
}

// MemoryStore is an in-memory implementation of the database unit of work.
//
// Transactions are fully serialized and only publish their changes on success,
// so that rollback behavior can be asserted.
type MemoryStore struct {
	mu    sync.Mutex
	state memState

	// Errs makes the named operation fail with the given error.
	Errs map[string]error
	// AfterScanInsert is called inside the transaction after a scan header is written.
	AfterScanInsert func() error
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memState{
			instances: make(map[int64]models.Instance),
			scans:     make(map[string]StoredScan),
		},
		Errs: make(map[string]error),
	}
}

// WithTx runs fn in a transaction, committing its changes only if it returns nil.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(database.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{store: m, state: m.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

// AddInstance stores inst directly and returns it with its assigned id.
func (m *MemoryStore) AddInstance(t *testing.T, inst models.Instance) models.Instance {
	t.Helper()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.nextID++
	inst.ID = m.state.nextID
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now()
	}
	m.state.instances[inst.ID] = inst
	return inst
}

// Instances returns the committed instances ordered by id.
func (m *MemoryStore) Instances() []models.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := slices.Sorted(maps.Keys(m.state.instances))
	out := make([]models.Instance, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.state.instances[id])
	}
	return out
}

// Instance returns the committed instance with the given token.
func (m *MemoryStore) Instance(token string) (models.Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, inst := range m.state.instances {
		if inst.Token == token {
			return inst, true
		}
	}
	return models.Instance{}, false
}

// Scans returns the committed scans keyed by scan id.
func (m *MemoryStore) Scans() map[string]StoredScan {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.state.scans)
}

// Findings returns the committed findings.
func (m *MemoryStore) Findings() []StoredFinding {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.findings)
}

type memTx struct {
	store *MemoryStore
	state memState
}

func (tx *memTx) err(op string) error {
	return tx.store.Errs[op]
}

func (tx *memTx) TokenExists(_ context.Context, token string) (bool, error) {
	if err := tx.err("TokenExists"); err != nil {
		return false, err
	}
	for _, inst := range tx.state.instances {
		if inst.Token == token {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memTx) InstanceByToken(_ context.Context, token string) (models.Instance, bool, error) {
	if err := tx.err("InstanceByToken"); err != nil {
		return models.Instance{}, false, err
	}
	for _, inst := range tx.state.instances {
		if inst.Token == token {
			return inst, true, nil
		}
	}
	return models.Instance{}, false, nil
}

func (tx *memTx) CreateInstance(_ context.Context, inst models.Instance) (models.Instance, error) {
	if err := tx.err("CreateInstance"); err != nil {
		return models.Instance{}, err
	}
	tx.state.nextID++
	inst.ID = tx.state.nextID
	tx.state.instances[inst.ID] = inst
	return inst, nil
}

func (tx *memTx) RecordInstanceActivity(_ context.Context, id int64, seenAt time.Time) (models.Instance, error) {
	if err := tx.err("RecordInstanceActivity"); err != nil {
		return models.Instance{}, err
	}
	inst := tx.state.instances[id]
	inst.ScanCount++
	if seenAt.After(inst.LastSeenAt) {
		inst.LastSeenAt = seenAt
	}
	tx.state.instances[id] = inst
	return inst, nil
}

func (tx *memTx) SetInstanceStatus(_ context.Context, id int64, status models.InstanceStatus) (bool, error) {
	if err := tx.err("SetInstanceStatus"); err != nil {
		return false, err
	}
	inst, ok := tx.state.instances[id]
	if !ok {
		return false, nil
	}
	inst.Status = status
	tx.state.instances[id] = inst
	return true, nil
}

func (tx *memTx) ScanExists(_ context.Context, scanID string) (bool, error) {
	if err := tx.err("ScanExists"); err != nil {
		return false, err
	}
	_, ok := tx.state.scans[scanID]
	return ok, nil
}

func (tx *memTx) InsertScan(_ context.Context, instanceID int64, s models.Submission) (int64, bool, error) {
	if err := tx.err("InsertScan"); err != nil {
		return 0, false, err
	}
	if _, ok := tx.state.scans[s.ScanID]; ok {
		return 0, false, nil
	}
	tx.state.nextID++
	tx.state.scans[s.ScanID] = StoredScan{RowID: tx.state.nextID, InstanceID: instanceID, Submission: s}

	if tx.store.AfterScanInsert != nil {
		if err := tx.store.AfterScanInsert(); err != nil {
			return 0, false, err
		}
	}
	return tx.state.nextID, true, nil
}

func (tx *memTx) InsertFindings(_ context.Context, scanRowID int64, findings []models.Finding) error {
	if err := tx.err("InsertFindings"); err != nil {
		return err
	}
	for _, f := range findings {
		tx.state.findings = append(tx.state.findings, StoredFinding{ScanRowID: scanRowID, Finding: f})
	}
	return nil
}
