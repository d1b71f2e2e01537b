package experiment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fanside/aigate/pkg/models"
)

// ErrNotFound is returned when an experiment ID is unknown.
var ErrNotFound = errors.New("experiment not found")

// Weights control the composite comparison score. Success rate carries the
// most weight, then cost, then latency.
type Weights struct {
	Success float64
	Cost    float64
	Latency float64
}

// Config controls comparison behavior.
type Config struct {
	MinSample int64
	Weights   Weights
	TieMargin float64
}

// Manager runs A/B experiments over a SQLite store. Variant assignment is
// deterministic per identity and never persisted; result aggregates are
// updated incrementally so no raw per-call samples are stored.
type Manager struct {
	db  *sql.DB
	cfg Config
}

const createExperimentTables = `
CREATE TABLE IF NOT EXISTS experiments (
	id          TEXT PRIMARY KEY,
	operation   TEXT NOT NULL,
	variant_a   TEXT NOT NULL,
	variant_b   TEXT NOT NULL,
	split_ratio REAL NOT NULL,
	active      INTEGER NOT NULL DEFAULT 0,
	started_at  DATETIME,
	ended_at    DATETIME
);
CREATE INDEX IF NOT EXISTS idx_experiments_operation ON experiments(operation, active);

CREATE TABLE IF NOT EXISTS experiment_results (
	experiment_id      TEXT NOT NULL,
	variant            TEXT NOT NULL,
	count              INTEGER NOT NULL DEFAULT 0,
	avg_latency_ms     REAL NOT NULL DEFAULT 0,
	avg_cost           REAL NOT NULL DEFAULT 0,
	success_rate       REAL NOT NULL DEFAULT 0,
	avg_satisfaction   REAL NOT NULL DEFAULT 0,
	satisfaction_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (experiment_id, variant)
);
`

// New opens the experiment database and creates the schema.
func New(dbPath string, cfg Config) (*Manager, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open experiment db: %w", err)
	}

	if _, err := db.Exec(createExperimentTables); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate experiment db: %w", err)
	}

	return &Manager{db: db, cfg: cfg}, nil
}

// Create stores a new, inactive experiment with empty result aggregates for
// both variants.
func (m *Manager) Create(ctx context.Context, exp models.Experiment) error {
	va, err := json.Marshal(exp.VariantA)
	if err != nil {
		return fmt.Errorf("encode variant A: %w", err)
	}
	vb, err := json.Marshal(exp.VariantB)
	if err != nil {
		return fmt.Errorf("encode variant B: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO experiments (id, operation, variant_a, variant_b, split_ratio, active)
		 VALUES (?, ?, ?, ?, ?, 0)`,
		exp.ID, string(exp.Operation), string(va), string(vb), exp.SplitRatio,
	); err != nil {
		return fmt.Errorf("create experiment: %w", err)
	}

	for _, variant := range []string{"A", "B"} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO experiment_results (experiment_id, variant) VALUES (?, ?)`,
			exp.ID, variant,
		); err != nil {
			return fmt.Errorf("seed results: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create: %w", err)
	}
	return nil
}

// Activate starts result accumulation for an experiment.
func (m *Manager) Activate(ctx context.Context, id string) error {
	res, err := m.db.ExecContext(ctx,
		`UPDATE experiments SET active = 1, started_at = ?, ended_at = NULL WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("activate experiment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Deactivate stops further accumulation but preserves results for analysis.
func (m *Manager) Deactivate(ctx context.Context, id string) error {
	res, err := m.db.ExecContext(ctx,
		`UPDATE experiments SET active = 0, ended_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("deactivate experiment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns one experiment by ID.
func (m *Manager) Get(ctx context.Context, id string) (*models.Experiment, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT id, operation, variant_a, variant_b, split_ratio, active, started_at, ended_at
		 FROM experiments WHERE id = ?`, id)
	return scanExperiment(row)
}

// List returns all experiments, most recently started first.
func (m *Manager) List(ctx context.Context) ([]models.Experiment, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, operation, variant_a, variant_b, split_ratio, active, started_at, ended_at
		 FROM experiments ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer rows.Close()

	var out []models.Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *exp)
	}
	return out, rows.Err()
}

// ActiveFor returns the active experiment targeting an operation, or nil when
// none is running.
func (m *Manager) ActiveFor(ctx context.Context, op models.OperationType) (*models.Experiment, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT id, operation, variant_a, variant_b, split_ratio, active, started_at, ended_at
		 FROM experiments WHERE operation = ? AND active = 1 LIMIT 1`, string(op))
	exp, err := scanExperiment(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return exp, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row rowScanner) (*models.Experiment, error) {
	var exp models.Experiment
	var op, va, vb string
	var active int
	var startedAt, endedAt sql.NullTime

	err := row.Scan(&exp.ID, &op, &va, &vb, &exp.SplitRatio, &active, &startedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan experiment: %w", err)
	}

	exp.Operation = models.OperationType(op)
	exp.Active = active != 0
	if startedAt.Valid {
		exp.StartedAt = startedAt.Time
	}
	if endedAt.Valid {
		exp.EndedAt = endedAt.Time
	}
	if err := json.Unmarshal([]byte(va), &exp.VariantA); err != nil {
		return nil, fmt.Errorf("decode variant A: %w", err)
	}
	if err := json.Unmarshal([]byte(vb), &exp.VariantB); err != nil {
		return nil, fmt.Errorf("decode variant B: %w", err)
	}
	return &exp, nil
}

// Assign returns the variant ("A" or "B") for an identity, or ok=false when
// the experiment is absent or inactive. The same identity always maps to the
// same variant for the lifetime of the experiment: the identity is hashed to
// a stable value in [0,1) and compared against the split ratio, so no
// per-identity assignment needs persisting.
func (m *Manager) Assign(ctx context.Context, experimentID, identity string) (string, bool) {
	exp, err := m.Get(ctx, experimentID)
	if err != nil || !exp.Active {
		return "", false
	}
	return AssignVariant(experimentID, identity, exp.SplitRatio), true
}

// AssignVariant is the pure assignment function behind Assign.
func AssignVariant(experimentID, identity string, splitRatio float64) string {
	h := fnv.New32a()
	h.Write([]byte(experimentID))
	h.Write([]byte{':'})
	h.Write([]byte(identity))
	bucket := float64(h.Sum32()) / float64(1<<32)
	if bucket < splitRatio {
		return "A"
	}
	return "B"
}

// RecordOutcome folds one observed call into a variant's running aggregates.
// Each average updates as (oldAvg*n + value)/(n+1) in a single statement, so
// the store only ever holds the aggregates themselves. Outcomes against an
// inactive experiment are ignored.
func (m *Manager) RecordOutcome(ctx context.Context, experimentID, variant string, out models.Outcome) error {
	exp, err := m.Get(ctx, experimentID)
	if err != nil {
		return err
	}
	if !exp.Active {
		return nil
	}

	success := 0.0
	if out.Success {
		success = 1.0
	}

	if _, err := m.db.ExecContext(ctx,
		`UPDATE experiment_results SET
			avg_latency_ms = (avg_latency_ms * count + ?) / (count + 1),
			avg_cost       = (avg_cost * count + ?) / (count + 1),
			success_rate   = (success_rate * count + ?) / (count + 1),
			count          = count + 1
		 WHERE experiment_id = ? AND variant = ?`,
		out.LatencyMs, out.Cost, success, experimentID, variant,
	); err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}

	if out.Satisfaction != nil {
		if _, err := m.db.ExecContext(ctx,
			`UPDATE experiment_results SET
				avg_satisfaction   = (avg_satisfaction * satisfaction_count + ?) / (satisfaction_count + 1),
				satisfaction_count = satisfaction_count + 1
			 WHERE experiment_id = ? AND variant = ?`,
			*out.Satisfaction, experimentID, variant,
		); err != nil {
			return fmt.Errorf("record satisfaction: %w", err)
		}
	}
	return nil
}

// Results returns the running aggregates for both variants.
func (m *Manager) Results(ctx context.Context, experimentID string) (a, b models.VariantResults, err error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT variant, count, avg_latency_ms, avg_cost, success_rate, avg_satisfaction, satisfaction_count
		 FROM experiment_results WHERE experiment_id = ?`, experimentID)
	if err != nil {
		return a, b, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	found := 0
	for rows.Next() {
		var variant string
		var r models.VariantResults
		if err := rows.Scan(&variant, &r.Count, &r.AvgLatencyMs, &r.AvgCost,
			&r.SuccessRate, &r.AvgSatisfaction, &r.SatisfactionCount); err != nil {
			return a, b, fmt.Errorf("scan results: %w", err)
		}
		found++
		if variant == "A" {
			a = r
		} else {
			b = r
		}
	}
	if err := rows.Err(); err != nil {
		return a, b, err
	}
	if found == 0 {
		return a, b, ErrNotFound
	}
	return a, b, nil
}

// Compare produces a recommendation from both variants' aggregates. Below the
// minimum sample size on either side the verdict is insufficient_data rather
// than a potentially misleading winner. The composite score weights success
// rate over cost over latency, each normalized against the worse of the two
// variants. Confidence blends total sample size with score separation; it is
// a monotonically sensible proxy, not a statistical p-value.
func (m *Manager) Compare(ctx context.Context, experimentID string) (*models.Comparison, error) {
	a, b, err := m.Results(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	cmp := &models.Comparison{
		ExperimentID: experimentID,
		ResultsA:     a,
		ResultsB:     b,
	}

	if a.Count < m.cfg.MinSample || b.Count < m.cfg.MinSample {
		cmp.Verdict = models.VerdictInsufficient
		return cmp, nil
	}

	w := m.cfg.Weights
	total := w.Success + w.Cost + w.Latency

	cmp.ScoreA = (w.Success*higherBetter(a.SuccessRate, b.SuccessRate) +
		w.Cost*lowerBetter(a.AvgCost, b.AvgCost) +
		w.Latency*lowerBetter(a.AvgLatencyMs, b.AvgLatencyMs)) / total
	cmp.ScoreB = (w.Success*higherBetter(b.SuccessRate, a.SuccessRate) +
		w.Cost*lowerBetter(b.AvgCost, a.AvgCost) +
		w.Latency*lowerBetter(b.AvgLatencyMs, a.AvgLatencyMs)) / total

	sep := math.Abs(cmp.ScoreA - cmp.ScoreB)
	switch {
	case sep <= m.cfg.TieMargin:
		cmp.Verdict = models.VerdictTie
	case cmp.ScoreA > cmp.ScoreB:
		cmp.Verdict = models.VerdictA
	default:
		cmp.Verdict = models.VerdictB
	}

	// More samples and wider separation both raise confidence; either alone
	// caps it well below certainty.
	size := float64(a.Count + b.Count)
	sizeFactor := size / (size + 10*float64(m.cfg.MinSample))
	cmp.Confidence = math.Min(0.99, sizeFactor*(0.5+math.Min(sep*2, 0.5)))

	return cmp, nil
}

// higherBetter normalizes a metric where larger values win. The better of the
// two scores 1.0; the worse scores its fraction of the better.
func higherBetter(v, other float64) float64 {
	max := math.Max(v, other)
	if max == 0 {
		return 1
	}
	return v / max
}

// lowerBetter normalizes a metric where smaller values win.
func lowerBetter(v, other float64) float64 {
	if v == 0 {
		return 1
	}
	return math.Min(v, other) / v
}

// Close releases the database connection.
func (m *Manager) Close() error {
	return m.db.Close()
}
