package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/attune/internal/domain"
	"github.com/ashureev/attune/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; immediate transactions so writers queue on busy_timeout.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS directions (
		session_id TEXT NOT NULL,
		guesser_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		state TEXT NOT NULL,
		pre_analysis_state TEXT NOT NULL DEFAULT '',
		context_shared INTEGER NOT NULL DEFAULT 0,
		analysis_round INTEGER NOT NULL DEFAULT 0,
		ground_truth TEXT NOT NULL DEFAULT '',
		current_attempt_id TEXT NOT NULL DEFAULT '',
		analysis_started_at INTEGER,
		revealed_at INTEGER,
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, guesser_id)
	);
	CREATE INDEX IF NOT EXISTS idx_directions_analyzing ON directions(analysis_started_at) WHERE state = 'ANALYZING';

	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		guesser_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		text TEXT NOT NULL,
		revision INTEGER NOT NULL,
		status TEXT NOT NULL,
		is_superseded INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		UNIQUE (session_id, guesser_id, revision)
	);

	CREATE TABLE IF NOT EXISTS results (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		guesser_id TEXT NOT NULL,
		attempt_id TEXT NOT NULL,
		round INTEGER NOT NULL,
		score INTEGER NOT NULL,
		gap_severity TEXT NOT NULL,
		action TEXT NOT NULL,
		rationale TEXT NOT NULL DEFAULT '',
		missed_feelings_json TEXT NOT NULL DEFAULT '[]',
		most_important_gap TEXT NOT NULL DEFAULT '',
		share_focus TEXT NOT NULL DEFAULT '',
		forced_by TEXT NOT NULL DEFAULT '',
		superseded_by TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_results_direction ON results(session_id, guesser_id, created_at);

	CREATE TABLE IF NOT EXISTS share_offers (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		guesser_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		result_id TEXT NOT NULL,
		topic TEXT NOT NULL,
		tier TEXT NOT NULL,
		decision TEXT NOT NULL,
		decline_requested_at INTEGER,
		draft TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		decided_at INTEGER
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_share_offers_one_pending ON share_offers(session_id, guesser_id) WHERE decision = 'pending';

	CREATE TABLE IF NOT EXISTS accuracy_feedback (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		guesser_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		attempt_id TEXT NOT NULL UNIQUE,
		verdict TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		disposition TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		resolved_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		session_id TEXT NOT NULL,
		guesser_id TEXT NOT NULL,
		triggered_by TEXT NOT NULL DEFAULT '',
		audience TEXT NOT NULL,
		recipient_id TEXT NOT NULL DEFAULT '',
		payload TEXT,
		created_at INTEGER NOT NULL,
		delivered_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_events_pending ON events(seq) WHERE delivered_at IS NULL;
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const directionColumns = `session_id, guesser_id, subject_id, state, pre_analysis_state,
	context_shared, analysis_round, ground_truth, current_attempt_id,
	analysis_started_at, revealed_at, version, created_at, updated_at`

func scanDirection(row rowScanner) (*domain.Direction, error) {
	var d domain.Direction
	var state, preState string
	var startedAt, revealedAt sql.NullInt64
	var createdAt, updatedAt int64

	if err := row.Scan(
		&d.SessionID, &d.GuesserID, &d.SubjectID, &state, &preState,
		&d.ContextShared, &d.AnalysisRound, &d.GroundTruth, &d.CurrentAttemptID,
		&startedAt, &revealedAt, &d.Version, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	d.State = domain.State(state)
	d.PreAnalysisState = domain.State(preState)
	d.AnalysisStartedAt = fromNullMillis(startedAt)
	d.RevealedAt = fromNullMillis(revealedAt)
	d.CreatedAt = time.UnixMilli(createdAt)
	d.UpdatedAt = time.UnixMilli(updatedAt)
	return &d, nil
}

// GetDirection retrieves a direction by its arena key.
func (s *SQLiteStore) GetDirection(ctx context.Context, key domain.DirectionKey) (*domain.Direction, error) {
	query := `SELECT ` + directionColumns + ` FROM directions WHERE session_id = ? AND guesser_id = ?`
	d, err := scanDirection(s.db.QueryRowContext(ctx, query, key.SessionID, key.GuesserID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan direction: %w", err)
	}
	return d, nil
}

// ListSessionDirections returns both directions of a session.
func (s *SQLiteStore) ListSessionDirections(ctx context.Context, sessionID string) ([]*domain.Direction, error) {
	query := `SELECT ` + directionColumns + ` FROM directions WHERE session_id = ? ORDER BY created_at, guesser_id`
	return s.queryDirections(ctx, query, sessionID)
}

// ListStaleAnalyses returns directions stuck in ANALYZING since before the threshold.
func (s *SQLiteStore) ListStaleAnalyses(ctx context.Context, startedBefore time.Time) ([]*domain.Direction, error) {
	query := `SELECT ` + directionColumns + ` FROM directions
		WHERE state = 'ANALYZING' AND analysis_started_at IS NOT NULL AND analysis_started_at < ?
		ORDER BY analysis_started_at`
	return s.queryDirections(ctx, query, startedBefore.UnixMilli())
}

func (s *SQLiteStore) queryDirections(ctx context.Context, query string, args ...any) ([]*domain.Direction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query directions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close direction rows", "error", closeErr)
		}
	}()

	var out []*domain.Direction
	for rows.Next() {
		d, err := scanDirection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan direction row: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate directions: %w", err)
	}
	return out, nil
}

const attemptColumns = `id, session_id, guesser_id, subject_id, text, revision, status, is_superseded, created_at`

func scanAttempt(row rowScanner) (*domain.EmpathyAttempt, error) {
	var a domain.EmpathyAttempt
	var status string
	var createdAt int64
	if err := row.Scan(&a.ID, &a.SessionID, &a.GuesserID, &a.SubjectID, &a.Text,
		&a.Revision, &status, &a.IsSuperseded, &createdAt); err != nil {
		return nil, err
	}
	a.Status = domain.State(status)
	a.CreatedAt = time.UnixMilli(createdAt)
	return &a, nil
}

// GetAttempt retrieves an attempt by ID.
func (s *SQLiteStore) GetAttempt(ctx context.Context, id string) (*domain.EmpathyAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM attempts WHERE id = ?`
	a, err := scanAttempt(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan attempt: %w", err)
	}
	return a, nil
}

// ListAttempts returns every revision for a direction, oldest first.
func (s *SQLiteStore) ListAttempts(ctx context.Context, key domain.DirectionKey) ([]*domain.EmpathyAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM attempts WHERE session_id = ? AND guesser_id = ? ORDER BY revision`
	rows, err := s.db.QueryContext(ctx, query, key.SessionID, key.GuesserID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer closeRows(rows)

	var out []*domain.EmpathyAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

// ListResults returns every analysis result for a direction, oldest first.
func (s *SQLiteStore) ListResults(ctx context.Context, key domain.DirectionKey) ([]*domain.ReconcilerResult, error) {
	query := `SELECT id, session_id, guesser_id, attempt_id, round, score, gap_severity, action,
		rationale, missed_feelings_json, most_important_gap, share_focus, forced_by, superseded_by, created_at
		FROM results WHERE session_id = ? AND guesser_id = ? ORDER BY created_at, round`
	rows, err := s.db.QueryContext(ctx, query, key.SessionID, key.GuesserID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer closeRows(rows)

	var out []*domain.ReconcilerResult
	for rows.Next() {
		var r domain.ReconcilerResult
		var severity, action, missedJSON, forcedBy string
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.GuesserID, &r.AttemptID, &r.Round, &r.Score,
			&severity, &action, &r.Rationale, &missedJSON, &r.MostImportantGap, &r.ShareFocus,
			&forcedBy, &r.SupersededBy, &createdAt); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		r.GapSeverity = domain.Severity(severity)
		if r.Action, err = domain.ParseAction(action); err != nil {
			return nil, fmt.Errorf("result %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(missedJSON), &r.MissedFeelings); err != nil {
			return nil, fmt.Errorf("decode missed feelings for result %s: %w", r.ID, err)
		}
		r.ForcedBy = domain.ForcedBy(forcedBy)
		r.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

const offerColumns = `id, session_id, guesser_id, subject_id, result_id, topic, tier, decision,
	decline_requested_at, draft, created_at, decided_at`

func scanOffer(row rowScanner) (*domain.ShareOffer, error) {
	var o domain.ShareOffer
	var tier, decision string
	var declineAt, decidedAt sql.NullInt64
	var createdAt int64
	if err := row.Scan(&o.ID, &o.SessionID, &o.GuesserID, &o.SubjectID, &o.ResultID, &o.Topic,
		&tier, &decision, &declineAt, &o.Draft, &createdAt, &decidedAt); err != nil {
		return nil, err
	}
	o.Tier = domain.LanguageTier(tier)
	o.Decision = domain.Decision(decision)
	o.DeclineRequestedAt = fromNullMillis(declineAt)
	o.DecidedAt = fromNullMillis(decidedAt)
	o.CreatedAt = time.UnixMilli(createdAt)
	return &o, nil
}

// GetOffer retrieves a share offer by ID.
func (s *SQLiteStore) GetOffer(ctx context.Context, id string) (*domain.ShareOffer, error) {
	query := `SELECT ` + offerColumns + ` FROM share_offers WHERE id = ?`
	o, err := scanOffer(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan offer: %w", err)
	}
	return o, nil
}

// PendingOffer returns the direction's pending offer, if any.
func (s *SQLiteStore) PendingOffer(ctx context.Context, key domain.DirectionKey) (*domain.ShareOffer, error) {
	query := `SELECT ` + offerColumns + ` FROM share_offers
		WHERE session_id = ? AND guesser_id = ? AND decision = 'pending'`
	o, err := scanOffer(s.db.QueryRowContext(ctx, query, key.SessionID, key.GuesserID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan pending offer: %w", err)
	}
	return o, nil
}

// ListOffers returns every offer for a direction, oldest first.
func (s *SQLiteStore) ListOffers(ctx context.Context, key domain.DirectionKey) ([]*domain.ShareOffer, error) {
	query := `SELECT ` + offerColumns + ` FROM share_offers WHERE session_id = ? AND guesser_id = ? ORDER BY created_at, rowid`
	rows, err := s.db.QueryContext(ctx, query, key.SessionID, key.GuesserID)
	if err != nil {
		return nil, fmt.Errorf("query offers: %w", err)
	}
	defer closeRows(rows)

	var out []*domain.ShareOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offer row: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate offers: %w", err)
	}
	return out, nil
}

const feedbackColumns = `id, session_id, guesser_id, subject_id, attempt_id, verdict, text, disposition, created_at, resolved_at`

func scanFeedback(row rowScanner) (*domain.AccuracyFeedback, error) {
	var f domain.AccuracyFeedback
	var verdict, disposition string
	var createdAt int64
	var resolvedAt sql.NullInt64
	if err := row.Scan(&f.ID, &f.SessionID, &f.GuesserID, &f.SubjectID, &f.AttemptID,
		&verdict, &f.Text, &disposition, &createdAt, &resolvedAt); err != nil {
		return nil, err
	}
	f.Verdict = domain.Verdict(verdict)
	f.Disposition = domain.Disposition(disposition)
	f.CreatedAt = time.UnixMilli(createdAt)
	f.ResolvedAt = fromNullMillis(resolvedAt)
	return &f, nil
}

// GetFeedback retrieves accuracy feedback by ID.
func (s *SQLiteStore) GetFeedback(ctx context.Context, id string) (*domain.AccuracyFeedback, error) {
	query := `SELECT ` + feedbackColumns + ` FROM accuracy_feedback WHERE id = ?`
	f, err := scanFeedback(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan feedback: %w", err)
	}
	return f, nil
}

// FeedbackForAttempt returns the verdict recorded for an attempt, if any.
func (s *SQLiteStore) FeedbackForAttempt(ctx context.Context, attemptID string) (*domain.AccuracyFeedback, error) {
	query := `SELECT ` + feedbackColumns + ` FROM accuracy_feedback WHERE attempt_id = ?`
	f, err := scanFeedback(s.db.QueryRowContext(ctx, query, attemptID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan attempt feedback: %w", err)
	}
	return f, nil
}

// ListFeedback returns every feedback record for a direction, oldest first.
func (s *SQLiteStore) ListFeedback(ctx context.Context, key domain.DirectionKey) ([]*domain.AccuracyFeedback, error) {
	query := `SELECT ` + feedbackColumns + ` FROM accuracy_feedback WHERE session_id = ? AND guesser_id = ? ORDER BY created_at, rowid`
	rows, err := s.db.QueryContext(ctx, query, key.SessionID, key.GuesserID)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	defer closeRows(rows)

	var out []*domain.AccuracyFeedback
	for rows.Next() {
		f, err := scanFeedback(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feedback row: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feedback: %w", err)
	}
	return out, nil
}

// Apply commits a changeset atomically. SQLITE_BUSY is retried with backoff.
func (s *SQLiteStore) Apply(ctx context.Context, cs *Changeset) error {
	if cs == nil {
		return nil
	}
	return shared.RetryOnBusy(ctx, func() error {
		return s.applyOnce(ctx, cs)
	})
}

//nolint:gocognit,gocyclo // One transaction per changeset keeps the commit atomic.
func (s *SQLiteStore) applyOnce(ctx context.Context, cs *Changeset) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to roll back changeset", "error", rbErr)
			}
		}
	}()

	if cs.Direction != nil {
		if err = writeDirection(ctx, tx, cs.Direction, cs.ExpectedVersion); err != nil {
			return err
		}
	}

	for _, id := range cs.SupersedeAttemptIDs {
		if _, err = tx.ExecContext(ctx, `UPDATE attempts SET is_superseded = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("supersede attempt %s: %w", id, err)
		}
	}

	for _, a := range cs.NewAttempts {
		if _, err = tx.ExecContext(ctx, `INSERT INTO attempts (`+attemptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.SessionID, a.GuesserID, a.SubjectID, a.Text, a.Revision, string(a.Status),
			a.IsSuperseded, a.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
	}

	if cs.Direction != nil && cs.Direction.CurrentAttemptID != "" {
		if _, err = tx.ExecContext(ctx, `UPDATE attempts SET status = ? WHERE id = ? AND is_superseded = 0`,
			string(cs.Direction.State), cs.Direction.CurrentAttemptID); err != nil {
			return fmt.Errorf("update attempt status: %w", err)
		}
	}

	for _, sup := range cs.SupersedeResults {
		if _, err = tx.ExecContext(ctx, `UPDATE results SET superseded_by = ? WHERE id = ? AND superseded_by = ''`,
			sup.By, sup.ID); err != nil {
			return fmt.Errorf("supersede result %s: %w", sup.ID, err)
		}
	}

	for _, r := range cs.NewResults {
		missed, mErr := json.Marshal(nonNilStrings(r.MissedFeelings))
		if mErr != nil {
			err = fmt.Errorf("encode missed feelings: %w", mErr)
			return err
		}
		if _, err = tx.ExecContext(ctx, `INSERT INTO results (id, session_id, guesser_id, attempt_id, round, score,
			gap_severity, action, rationale, missed_feelings_json, most_important_gap, share_focus, forced_by,
			superseded_by, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.SessionID, r.GuesserID, r.AttemptID, r.Round, r.Score, string(r.GapSeverity),
			r.Action.String(), r.Rationale, string(missed), r.MostImportantGap, r.ShareFocus,
			string(r.ForcedBy), r.SupersededBy, r.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert result: %w", err)
		}
	}

	for _, o := range cs.Offers {
		if _, err = tx.ExecContext(ctx, `INSERT INTO share_offers (`+offerColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				decision = excluded.decision,
				decline_requested_at = excluded.decline_requested_at,
				draft = excluded.draft,
				decided_at = excluded.decided_at`,
			o.ID, o.SessionID, o.GuesserID, o.SubjectID, o.ResultID, o.Topic, string(o.Tier),
			string(o.Decision), toNullMillis(o.DeclineRequestedAt), o.Draft, o.CreatedAt.UnixMilli(),
			toNullMillis(o.DecidedAt)); err != nil {
			if isUniqueViolation(err) {
				err = fmt.Errorf("%w: pending offer already exists for %s:%s", ErrVersionConflict, o.SessionID, o.GuesserID)
				return err
			}
			return fmt.Errorf("upsert offer: %w", err)
		}
	}

	for _, f := range cs.Feedback {
		if _, err = tx.ExecContext(ctx, `INSERT INTO accuracy_feedback (`+feedbackColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				disposition = excluded.disposition,
				resolved_at = excluded.resolved_at`,
			f.ID, f.SessionID, f.GuesserID, f.SubjectID, f.AttemptID, string(f.Verdict), f.Text,
			string(f.Disposition), f.CreatedAt.UnixMilli(), toNullMillis(f.ResolvedAt)); err != nil {
			if isUniqueViolation(err) {
				err = fmt.Errorf("%w: verdict already recorded for attempt %s", ErrVersionConflict, f.AttemptID)
				return err
			}
			return fmt.Errorf("upsert feedback: %w", err)
		}
	}

	for _, e := range cs.Events {
		var payload any
		if len(e.Payload) > 0 {
			payload = string(e.Payload)
		}
		res, execErr := tx.ExecContext(ctx, `INSERT INTO events (id, kind, session_id, guesser_id, triggered_by,
			audience, recipient_id, payload, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, string(e.Kind), e.SessionID, e.GuesserID, e.TriggeredBy, string(e.Audience),
			e.RecipientID, payload, e.CreatedAt.UnixMilli())
		if execErr != nil {
			err = fmt.Errorf("insert event: %w", execErr)
			return err
		}
		if seq, seqErr := res.LastInsertId(); seqErr == nil {
			e.Seq = seq
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit changeset: %w", err)
	}
	if cs.Direction != nil {
		cs.Direction.Version = cs.ExpectedVersion + 1
	}
	return nil
}

func writeDirection(ctx context.Context, tx *sql.Tx, d *domain.Direction, expected int64) error {
	next := expected + 1
	if expected == 0 {
		_, err := tx.ExecContext(ctx, `INSERT INTO directions (`+directionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.SessionID, d.GuesserID, d.SubjectID, string(d.State), string(d.PreAnalysisState),
			d.ContextShared, d.AnalysisRound, d.GroundTruth, d.CurrentAttemptID,
			toNullMillis(d.AnalysisStartedAt), toNullMillis(d.RevealedAt), next,
			d.CreatedAt.UnixMilli(), d.UpdatedAt.UnixMilli())
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: direction %s already exists", ErrVersionConflict, d.Key())
			}
			return fmt.Errorf("insert direction: %w", err)
		}
		return nil
	}

	res, err := tx.ExecContext(ctx, `UPDATE directions SET
			subject_id = ?, state = ?, pre_analysis_state = ?, context_shared = ?, analysis_round = ?,
			ground_truth = ?, current_attempt_id = ?, analysis_started_at = ?, revealed_at = ?,
			version = ?, updated_at = ?
		WHERE session_id = ? AND guesser_id = ? AND version = ?`,
		d.SubjectID, string(d.State), string(d.PreAnalysisState), d.ContextShared, d.AnalysisRound,
		d.GroundTruth, d.CurrentAttemptID, toNullMillis(d.AnalysisStartedAt), toNullMillis(d.RevealedAt),
		next, d.UpdatedAt.UnixMilli(), d.SessionID, d.GuesserID, expected)
	if err != nil {
		return fmt.Errorf("update direction: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("direction update affected 0 rows", "direction", d.Key().String(), "expected_version", expected)
		return fmt.Errorf("%w: %s expected version %d", ErrVersionConflict, d.Key(), expected)
	}
	return nil
}

// PendingEvents returns undelivered outbox events in commit order.
func (s *SQLiteStore) PendingEvents(ctx context.Context, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT seq, id, kind, session_id, guesser_id, triggered_by, audience,
		recipient_id, payload, created_at FROM events WHERE delivered_at IS NULL ORDER BY seq LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	defer closeRows(rows)

	var out []*domain.Event
	for rows.Next() {
		var e domain.Event
		var kind, audience string
		var payload sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.Seq, &e.ID, &kind, &e.SessionID, &e.GuesserID, &e.TriggeredBy,
			&audience, &e.RecipientID, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		e.Kind = domain.EventKind(kind)
		e.Audience = domain.Audience(audience)
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// MarkDelivered records delivery of outbox events.
func (s *SQLiteStore) MarkDelivered(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, at.UnixMilli())
	for _, id := range ids {
		args = append(args, id)
	}
	return shared.RetryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE events SET delivered_at = ? WHERE delivered_at IS NULL AND id IN (`+placeholders+`)`, args...)
		if err != nil {
			return fmt.Errorf("mark events delivered: %w", err)
		}
		return nil
	})
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "error", err)
	}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.UnixMilli(v.Int64)
	return &ts
}

func toNullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
