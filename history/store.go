// Package history keeps the training curves of a run in a SQLite file next to
// the text logs, so runs can be compared with plain SQL.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// AERecord is one reconstruction log line for one decoder.
type AERecord struct {
	Epoch, Batch, Batches int
	GlobalIter            int
	Decoder               int
	Loss, PPL, Acc        float64
	MsPerBatch            float64
}

// GANRecord is the adversarial log line of one global iteration.
type GANRecord struct {
	Epoch, Batch, Batches int
	GlobalIter            int
	ErrD, ErrDReal        float64
	ErrDFake, ErrG        float64
	ClassifyLoss          float64
	ClassifyAcc           float64
}

// EvalRecord summarises validation for one decoder at the end of an epoch.
// ProbeMaxDiff is negative when no encrypted probe ran.
type EvalRecord struct {
	Epoch          int
	Decoder        int
	Loss, PPL, Acc float64
	ProbeMaxDiff   float64
}

// Store is a SQLite-backed recorder.
type Store struct {
	db *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ae_log(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts REAL NOT NULL,
		epoch INTEGER NOT NULL,
		batch INTEGER NOT NULL,
		batches INTEGER NOT NULL,
		global_iter INTEGER NOT NULL,
		decoder INTEGER NOT NULL,
		loss REAL NOT NULL,
		ppl REAL NOT NULL,
		acc REAL NOT NULL,
		ms_per_batch REAL NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS gan_log(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts REAL NOT NULL,
		epoch INTEGER NOT NULL,
		batch INTEGER NOT NULL,
		batches INTEGER NOT NULL,
		global_iter INTEGER NOT NULL,
		err_d REAL NOT NULL,
		err_d_real REAL NOT NULL,
		err_d_fake REAL NOT NULL,
		err_g REAL NOT NULL,
		classify_loss REAL NOT NULL,
		classify_acc REAL NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS eval_log(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts REAL NOT NULL,
		epoch INTEGER NOT NULL,
		decoder INTEGER NOT NULL,
		loss REAL NOT NULL,
		ppl REAL NOT NULL,
		acc REAL NOT NULL,
		probe_max_diff REAL
	)`,
}

// Open creates the tables if needed.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	// one writer; also keeps ":memory:" a single database
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create history schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func now() float64 { return float64(time.Now().UnixMilli()) / 1000.0 }

func (s *Store) RecordAE(r AERecord) error {
	_, err := s.db.Exec(`INSERT INTO ae_log(ts, epoch, batch, batches, global_iter, decoder, loss, ppl, acc, ms_per_batch)
		VALUES(?,?,?,?,?,?,?,?,?,?)`,
		now(), r.Epoch, r.Batch, r.Batches, r.GlobalIter, r.Decoder, r.Loss, r.PPL, r.Acc, r.MsPerBatch)
	return err
}

func (s *Store) RecordGAN(r GANRecord) error {
	_, err := s.db.Exec(`INSERT INTO gan_log(ts, epoch, batch, batches, global_iter, err_d, err_d_real, err_d_fake, err_g, classify_loss, classify_acc)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		now(), r.Epoch, r.Batch, r.Batches, r.GlobalIter, r.ErrD, r.ErrDReal, r.ErrDFake, r.ErrG, r.ClassifyLoss, r.ClassifyAcc)
	return err
}

func (s *Store) RecordEval(r EvalRecord) error {
	var probe interface{}
	if r.ProbeMaxDiff >= 0 {
		probe = r.ProbeMaxDiff
	}
	_, err := s.db.Exec(`INSERT INTO eval_log(ts, epoch, decoder, loss, ppl, acc, probe_max_diff) VALUES(?,?,?,?,?,?,?)`,
		now(), r.Epoch, r.Decoder, r.Loss, r.PPL, r.Acc, probe)
	return err
}

// Evals returns the evaluation rows in insertion order.
func (s *Store) Evals() ([]EvalRecord, error) {
	rows, err := s.db.Query(`SELECT epoch, decoder, loss, ppl, acc, probe_max_diff FROM eval_log ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EvalRecord
	for rows.Next() {
		var r EvalRecord
		var probe sql.NullFloat64
		if err := rows.Scan(&r.Epoch, &r.Decoder, &r.Loss, &r.PPL, &r.Acc, &probe); err != nil {
			return nil, err
		}
		r.ProbeMaxDiff = -1
		if probe.Valid {
			r.ProbeMaxDiff = probe.Float64
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Counts reports the number of rows per table.
func (s *Store) Counts() (ae, gan, eval int, err error) {
	for _, q := range []struct {
		table string
		dst   *int
	}{{"ae_log", &ae}, {"gan_log", &gan}, {"eval_log", &eval}} {
		if err = s.db.QueryRow("SELECT COUNT(*) FROM " + q.table).Scan(q.dst); err != nil {
			return
		}
	}
	return
}
