package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/arbiter/internal/pagination"
	"github.com/mbd888/arbiter/internal/retry"
)

// PostgresStore persists disputes in PostgreSQL.
//
// Units of work run in READ COMMITTED transactions and lock the guarded
// rows with SELECT ... FOR UPDATE. Uniqueness invariants are backed by
// partial unique indexes (see migrations) and surface as ErrConflict.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	disputeColumns = `id, order_id, initiator_id, counterparty_id, dispute_type, reason,
		       status, arbitrator_id, negotiation_deadline, arbitration_deadline,
		       assigned_at, close_reason, closed_at, resolved_at, version, created_at, updated_at`

	messageColumns = `id, dispute_id, sender_id, kind, text_content, proposed_amount, note,
		       proposal_status, responded_by, responded_at, created_at`

	evidenceColumns = `id, dispute_id, uploader_id, role, media_type, url, description,
		       validity, evaluator_id, evaluation_reason, evaluated_at, created_at`

	arbitrationColumns = `id, dispute_id, arbitrator_id, result, compensation_amount, reason,
		       executed, execution_note, submitted_at, executed_at`

	eventColumns = `id, dispute_id, event_type, actor_id, status, created_at, delivered_at`
)

// Constraint names from migrations/001_disputes.sql.
const (
	constraintOpenOrder       = "disputes_open_order_uniq"
	constraintPendingProposal = "negotiation_messages_pending_uniq"
	constraintOneArbitration  = "arbitrations_dispute_id_key"
)

// --- reads ---

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	return getDispute(ctx, p.db, id, "")
}

func getDispute(ctx context.Context, q querier, id, lock string) (*Dispute, error) {
	row := q.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`+lock, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("dispute", id)
	}
	return d, err
}

func (p *PostgresStore) ListDisputes(ctx context.Context, f ListFilter, after *pagination.Cursor, limit int) ([]*Dispute, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.ParticipantID != "" {
		n := arg(f.ParticipantID)
		conds = append(conds, "(initiator_id = "+n+" OR counterparty_id = "+n+")")
	}
	if f.ArbitratorID != "" {
		conds = append(conds, "arbitrator_id = "+arg(f.ArbitratorID))
	}
	if f.Status != "" {
		conds = append(conds, "status = "+arg(string(f.Status)))
	}
	if f.InvolvingID != "" {
		n := arg(f.InvolvingID)
		conds = append(conds, "(initiator_id = "+n+" OR counterparty_id = "+n+" OR arbitrator_id = "+n+")")
	}
	if after != nil {
		conds = append(conds, "(created_at, id) < ("+arg(after.CreatedAt)+", "+arg(after.ID)+")")
	}

	query := `SELECT ` + disputeColumns + ` FROM disputes`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ` + arg(limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAll(rows, scanDispute)
}

func (p *PostgresStore) ListExpiredNegotiations(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status = 'negotiating'
		  AND negotiation_deadline < $1
		ORDER BY negotiation_deadline
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAll(rows, scanDispute)
}

func (p *PostgresStore) ListExpiredArbitrations(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes d
		WHERE d.status = 'arbitrating'
		  AND d.arbitration_deadline < $1
		  AND NOT EXISTS (SELECT 1 FROM arbitrations a WHERE a.dispute_id = d.id)
		ORDER BY d.arbitration_deadline
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAll(rows, scanDispute)
}

func (p *PostgresStore) GetMessage(ctx context.Context, id string) (*NegotiationMessage, error) {
	return getMessage(ctx, p.db, id, "")
}

func getMessage(ctx context.Context, q querier, id, lock string) (*NegotiationMessage, error) {
	row := q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM negotiation_messages WHERE id = $1`+lock, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("message", id)
	}
	return m, err
}

func (p *PostgresStore) ListMessages(ctx context.Context, disputeID string) ([]*NegotiationMessage, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM negotiation_messages
		WHERE dispute_id = $1
		ORDER BY created_at, id`, disputeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAll(rows, scanMessage)
}

func (p *PostgresStore) proposalWithStatus(ctx context.Context, disputeID string, status ProposalStatus) (*NegotiationMessage, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM negotiation_messages
		WHERE dispute_id = $1 AND kind = 'proposal' AND proposal_status = $2
		ORDER BY created_at DESC
		LIMIT 1`, disputeID, string(status))
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(string(status)+" proposal for dispute", disputeID)
	}
	return m, err
}

func (p *PostgresStore) GetPendingProposal(ctx context.Context, disputeID string) (*NegotiationMessage, error) {
	return p.proposalWithStatus(ctx, disputeID, ProposalPending)
}

func (p *PostgresStore) GetAcceptedProposal(ctx context.Context, disputeID string) (*NegotiationMessage, error) {
	return p.proposalWithStatus(ctx, disputeID, ProposalAccepted)
}

func (p *PostgresStore) GetEvidence(ctx context.Context, id string) (*Evidence, error) {
	return getEvidence(ctx, p.db, id, "")
}

func getEvidence(ctx context.Context, q querier, id, lock string) (*Evidence, error) {
	row := q.QueryRowContext(ctx, `SELECT `+evidenceColumns+` FROM evidence WHERE id = $1`+lock, id)
	e, err := scanEvidence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("evidence", id)
	}
	return e, err
}

func (p *PostgresStore) ListEvidence(ctx context.Context, disputeID string) ([]*Evidence, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+evidenceColumns+`
		FROM evidence
		WHERE dispute_id = $1
		ORDER BY created_at, id`, disputeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAll(rows, scanEvidence)
}

func (p *PostgresStore) GetArbitration(ctx context.Context, id string) (*Arbitration, error) {
	return getArbitration(ctx, p.db, id, "")
}

func getArbitration(ctx context.Context, q querier, id, lock string) (*Arbitration, error) {
	row := q.QueryRowContext(ctx, `SELECT `+arbitrationColumns+` FROM arbitrations WHERE id = $1`+lock, id)
	a, err := scanArbitration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("arbitration", id)
	}
	return a, err
}

func (p *PostgresStore) GetArbitrationByDispute(ctx context.Context, disputeID string) (*Arbitration, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+arbitrationColumns+` FROM arbitrations WHERE dispute_id = $1`, disputeID)
	a, err := scanArbitration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("arbitration for dispute", disputeID)
	}
	return a, err
}

func (p *PostgresStore) ListPendingExecutions(ctx context.Context, limit int) ([]*Arbitration, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+arbitrationColumns+`
		FROM arbitrations
		WHERE executed = FALSE AND compensation_amount > 0
		ORDER BY submitted_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAll(rows, scanArbitration)
}

func (p *PostgresStore) ListEvents(ctx context.Context, disputeID string) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM dispute_events
		WHERE dispute_id = $1
		ORDER BY seq`, disputeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAll(rows, scanEvent)
}

func (p *PostgresStore) ListUndeliveredEvents(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM dispute_events
		WHERE delivered_at IS NULL
		ORDER BY seq
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAll(rows, scanEvent)
}

func (p *PostgresStore) MarkEventDelivered(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `UPDATE dispute_events SET delivered_at = $1 WHERE id = $2`, at, id)
	return expectRow(result, err, "event", id)
}

// --- units of work ---

// WithTx runs fn in a transaction. Serialization failures and deadlocks
// are retried once; if they persist the caller gets ErrConflict.
func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	err := retry.Do(ctx, 2, 20*time.Millisecond, func() error {
		err := p.runTx(ctx, fn)
		if err != nil && !isRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if isRetryable(err) {
		return fmt.Errorf("%w: concurrent update: %v", ErrConflict, err)
	}
	return err
}

func (p *PostgresStore) runTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&pgTx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func isRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

// pgTx implements Tx on one database transaction.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetDisputeForUpdate(ctx context.Context, id string) (*Dispute, error) {
	return getDispute(ctx, t.tx, id, " FOR UPDATE")
}

func (t *pgTx) CreateDispute(ctx context.Context, d *Dispute) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO disputes (
			id, order_id, initiator_id, counterparty_id, dispute_type, reason,
			status, arbitrator_id, negotiation_deadline, arbitration_deadline,
			assigned_at, close_reason, closed_at, resolved_at, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17
		)`,
		d.ID, d.OrderID, d.InitiatorID, d.CounterpartyID, string(d.Type), d.Reason,
		string(d.Status), nullString(d.ArbitratorID), d.NegotiationDeadline, nullTime(d.ArbitrationDeadline),
		nullTime(d.AssignedAt), nullString(d.CloseReason), nullTime(d.ClosedAt), nullTime(d.ResolvedAt),
		d.Version, d.CreatedAt, d.UpdatedAt,
	)
	return mapWriteErr(err)
}

func (t *pgTx) UpdateDispute(ctx context.Context, d *Dispute) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, arbitrator_id = $2, arbitration_deadline = $3, assigned_at = $4,
			close_reason = $5, closed_at = $6, resolved_at = $7, version = $8, updated_at = $9
		WHERE id = $10 AND version = $11`,
		string(d.Status), nullString(d.ArbitratorID), nullTime(d.ArbitrationDeadline), nullTime(d.AssignedAt),
		nullString(d.CloseReason), nullTime(d.ClosedAt), nullTime(d.ResolvedAt), d.Version, d.UpdatedAt,
		d.ID, d.Version-1,
	)
	if err != nil {
		return mapWriteErr(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return conflict("dispute %s was modified concurrently", d.ID)
	}
	return nil
}

func (t *pgTx) GetMessageForUpdate(ctx context.Context, id string) (*NegotiationMessage, error) {
	return getMessage(ctx, t.tx, id, " FOR UPDATE")
}

func (t *pgTx) HasPendingProposal(ctx context.Context, disputeID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM negotiation_messages
			WHERE dispute_id = $1 AND kind = 'proposal' AND proposal_status = 'pending'
		)`, disputeID).Scan(&exists)
	return exists, err
}

func (t *pgTx) CreateMessage(ctx context.Context, m *NegotiationMessage) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO negotiation_messages (
			id, dispute_id, sender_id, kind, text_content, proposed_amount, note,
			proposal_status, responded_by, responded_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(14,2), $7, $8, $9, $10, $11)`,
		m.ID, m.DisputeID, m.SenderID, string(m.Kind), nullString(m.Text), nullString(m.ProposedAmount),
		nullString(m.Note), nullString(string(m.ProposalStatus)), nullString(m.RespondedBy),
		nullTime(m.RespondedAt), m.CreatedAt,
	)
	return mapWriteErr(err)
}

func (t *pgTx) UpdateMessage(ctx context.Context, m *NegotiationMessage) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE negotiation_messages SET
			proposal_status = $1, responded_by = $2, responded_at = $3
		WHERE id = $4`,
		nullString(string(m.ProposalStatus)), nullString(m.RespondedBy), nullTime(m.RespondedAt), m.ID,
	)
	return expectRow(result, mapWriteErr(err), "message", m.ID)
}

func (t *pgTx) GetEvidenceForUpdate(ctx context.Context, id string) (*Evidence, error) {
	return getEvidence(ctx, t.tx, id, " FOR UPDATE")
}

func (t *pgTx) CreateEvidence(ctx context.Context, e *Evidence) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO evidence (
			id, dispute_id, uploader_id, role, media_type, url, description,
			validity, evaluator_id, evaluation_reason, evaluated_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.DisputeID, e.UploaderID, string(e.Role), e.MediaType, e.URL, nullString(e.Description),
		string(e.Validity), nullString(e.EvaluatorID), nullString(e.EvaluationReason),
		nullTime(e.EvaluatedAt), e.CreatedAt,
	)
	return mapWriteErr(err)
}

func (t *pgTx) UpdateEvidence(ctx context.Context, e *Evidence) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE evidence SET
			validity = $1, evaluator_id = $2, evaluation_reason = $3, evaluated_at = $4
		WHERE id = $5`,
		string(e.Validity), nullString(e.EvaluatorID), nullString(e.EvaluationReason), nullTime(e.EvaluatedAt), e.ID,
	)
	return expectRow(result, err, "evidence", e.ID)
}

func (t *pgTx) DeleteEvidence(ctx context.Context, id string) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM evidence WHERE id = $1`, id)
	return expectRow(result, err, "evidence", id)
}

func (t *pgTx) GetArbitrationForUpdate(ctx context.Context, id string) (*Arbitration, error) {
	return getArbitration(ctx, t.tx, id, " FOR UPDATE")
}

func (t *pgTx) HasArbitration(ctx context.Context, disputeID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM arbitrations WHERE dispute_id = $1)`, disputeID).Scan(&exists)
	return exists, err
}

func (t *pgTx) CreateArbitration(ctx context.Context, a *Arbitration) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO arbitrations (
			id, dispute_id, arbitrator_id, result, compensation_amount, reason,
			executed, execution_note, submitted_at, executed_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(14,2), $6, $7, $8, $9, $10)`,
		a.ID, a.DisputeID, a.ArbitratorID, string(a.Result), a.CompensationAmount, a.Reason,
		a.Executed, nullString(a.ExecutionNote), a.SubmittedAt, nullTime(a.ExecutedAt),
	)
	return mapWriteErr(err)
}

func (t *pgTx) UpdateArbitration(ctx context.Context, a *Arbitration) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE arbitrations SET executed = $1, execution_note = $2, executed_at = $3
		WHERE id = $4`,
		a.Executed, nullString(a.ExecutionNote), nullTime(a.ExecutedAt), a.ID,
	)
	return expectRow(result, err, "arbitration", a.ID)
}

func (t *pgTx) AppendEvent(ctx context.Context, ev *Event) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO dispute_events (id, dispute_id, event_type, actor_id, status, created_at, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.DisputeID, string(ev.Type), ev.ActorID, string(ev.Status), ev.CreatedAt, nullTime(ev.DeliveredAt),
	)
	return err
}

// mapWriteErr turns unique violations into ErrConflict.
func mapWriteErr(err error) error {
	var pqErr *pq.Error
	if err == nil || !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return err
	}
	switch pqErr.Constraint {
	case constraintOpenOrder:
		return conflict("an open dispute already exists for this order")
	case constraintPendingProposal:
		return conflict("a pending proposal already exists for this dispute")
	case constraintOneArbitration:
		return conflict("an arbitration already exists for this dispute")
	}
	return conflict("duplicate record: %s", pqErr.Constraint)
}

func expectRow(result sql.Result, err error, what, id string) error {
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound(what, id)
	}
	return nil
}

// --- scanning ---

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAll[T any](rows *sql.Rows, scan func(scanner) (T, error)) ([]T, error) {
	var result []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		disputeType, status string
		arbitratorID        sql.NullString
		arbitrationDeadline sql.NullTime
		assignedAt          sql.NullTime
		closeReason         sql.NullString
		closedAt            sql.NullTime
		resolvedAt          sql.NullTime
	)
	err := s.Scan(
		&d.ID, &d.OrderID, &d.InitiatorID, &d.CounterpartyID, &disputeType, &d.Reason,
		&status, &arbitratorID, &d.NegotiationDeadline, &arbitrationDeadline,
		&assignedAt, &closeReason, &closedAt, &resolvedAt, &d.Version, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Type = Type(disputeType)
	d.Status = Status(status)
	d.ArbitratorID = arbitratorID.String
	d.CloseReason = closeReason.String
	d.ArbitrationDeadline = timePtr(arbitrationDeadline)
	d.AssignedAt = timePtr(assignedAt)
	d.ClosedAt = timePtr(closedAt)
	d.ResolvedAt = timePtr(resolvedAt)
	return d, nil
}

func scanMessage(s scanner) (*NegotiationMessage, error) {
	m := &NegotiationMessage{}
	var (
		kind           string
		text, amt      sql.NullString
		note           sql.NullString
		proposalStatus sql.NullString
		respondedBy    sql.NullString
		respondedAt    sql.NullTime
	)
	err := s.Scan(
		&m.ID, &m.DisputeID, &m.SenderID, &kind, &text, &amt, &note,
		&proposalStatus, &respondedBy, &respondedAt, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Kind = MessageKind(kind)
	m.Text = text.String
	m.ProposedAmount = amt.String
	m.Note = note.String
	m.ProposalStatus = ProposalStatus(proposalStatus.String)
	m.RespondedBy = respondedBy.String
	m.RespondedAt = timePtr(respondedAt)
	return m, nil
}

func scanEvidence(s scanner) (*Evidence, error) {
	e := &Evidence{}
	var (
		role, validity   string
		description      sql.NullString
		evaluatorID      sql.NullString
		evaluationReason sql.NullString
		evaluatedAt      sql.NullTime
	)
	err := s.Scan(
		&e.ID, &e.DisputeID, &e.UploaderID, &role, &e.MediaType, &e.URL, &description,
		&validity, &evaluatorID, &evaluationReason, &evaluatedAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Role = EvidenceRole(role)
	e.Validity = Validity(validity)
	e.Description = description.String
	e.EvaluatorID = evaluatorID.String
	e.EvaluationReason = evaluationReason.String
	e.EvaluatedAt = timePtr(evaluatedAt)
	return e, nil
}

func scanArbitration(s scanner) (*Arbitration, error) {
	a := &Arbitration{}
	var (
		result        string
		executionNote sql.NullString
		executedAt    sql.NullTime
	)
	err := s.Scan(
		&a.ID, &a.DisputeID, &a.ArbitratorID, &result, &a.CompensationAmount, &a.Reason,
		&a.Executed, &executionNote, &a.SubmittedAt, &executedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Result = Result(result)
	a.ExecutionNote = executionNote.String
	a.ExecutedAt = timePtr(executedAt)
	return a, nil
}

func scanEvent(s scanner) (*Event, error) {
	ev := &Event{}
	var (
		eventType, status string
		deliveredAt       sql.NullTime
	)
	err := s.Scan(&ev.ID, &ev.DisputeID, &eventType, &ev.ActorID, &status, &ev.CreatedAt, &deliveredAt)
	if err != nil {
		return nil, err
	}
	ev.Type = EventType(eventType)
	ev.Status = Status(status)
	ev.DeliveredAt = timePtr(deliveredAt)
	return ev, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertions.
var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*pgTx)(nil)
)
