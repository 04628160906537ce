package gate

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

// Store persists system feature switches.
type Store interface {
	Get(ctx context.Context, featureID string) (*SystemFeature, error)
	List(ctx context.Context) ([]*SystemFeature, error)
	// Save writes sf when the stored version equals expected. An expected
	// version of 0 means no record exists yet.
	Save(ctx context.Context, sf *SystemFeature, expected int64) error
}

// MemoryStore keeps switches in memory for demo/testing.
type MemoryStore struct {
	mu       sync.RWMutex
	features map[string]*SystemFeature
}

// NewMemoryStore creates an in-memory feature store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{features: make(map[string]*SystemFeature)}
}

func (m *MemoryStore) Get(_ context.Context, featureID string) (*SystemFeature, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sf, ok := m.features[featureID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneFeature(sf), nil
}

func (m *MemoryStore) List(_ context.Context) ([]*SystemFeature, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*SystemFeature, 0, len(m.features))
	for _, sf := range m.features {
		out = append(out, cloneFeature(sf))
	}
	return out, nil
}

func (m *MemoryStore) Save(_ context.Context, sf *SystemFeature, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	if cur, ok := m.features[sf.FeatureID]; ok {
		current = cur.Version
	}
	if current != expected {
		return ErrVersionConflict
	}
	m.features[sf.FeatureID] = cloneFeature(sf)
	return nil
}

func cloneFeature(sf *SystemFeature) *SystemFeature {
	cp := *sf
	if sf.DisabledAt != nil {
		at := *sf.DisabledAt
		cp.DisabledAt = &at
	}
	return &cp
}

// PostgresStore persists switches in the system_features table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed feature store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, featureID string) (*SystemFeature, error) {
	sf, err := scanFeature(p.db.QueryRowContext(ctx, `
		SELECT `+featureColumns+`
		FROM system_features WHERE feature_id = $1`, featureID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sf, nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*SystemFeature, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+featureColumns+`
		FROM system_features ORDER BY feature_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*SystemFeature
	for rows.Next() {
		sf, err := scanFeature(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sf)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Save(ctx context.Context, sf *SystemFeature, expected int64) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO system_features
			(feature_id, enabled, disabled_by, disabled_at, disabled_reason, version, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, $7)
		ON CONFLICT (feature_id) DO UPDATE
		SET enabled = EXCLUDED.enabled, disabled_by = EXCLUDED.disabled_by,
			disabled_at = EXCLUDED.disabled_at, disabled_reason = EXCLUDED.disabled_reason,
			version = EXCLUDED.version, updated_at = EXCLUDED.updated_at
		WHERE system_features.version = $8`,
		sf.FeatureID, sf.Enabled, sf.DisabledBy, sf.DisabledAt, sf.DisabledReason, sf.Version, sf.UpdatedAt, expected)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

const featureColumns = `feature_id, enabled, disabled_by, disabled_at, disabled_reason, version, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeature(row rowScanner) (*SystemFeature, error) {
	sf := &SystemFeature{}
	var by, reason sql.NullString
	var at sql.NullTime
	if err := row.Scan(&sf.FeatureID, &sf.Enabled, &by, &at, &reason, &sf.Version, &sf.UpdatedAt); err != nil {
		return nil, err
	}
	sf.DisabledBy = by.String
	sf.DisabledReason = reason.String
	if at.Valid {
		sf.DisabledAt = &at.Time
	}
	return sf, nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
