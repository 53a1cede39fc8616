package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rylieai/handover/internal/domain/conversation"
	"github.com/rylieai/handover/internal/domain/handover"
)

// Store implements conversationstore.Store and configstore.Store using PostgreSQL.
// The conversations and messages tables belong to the chat subsystem and
// are only read here.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping checks connectivity for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Conversations ---

func (s *Store) SelectMessages(ctx context.Context, conversationID string, since time.Time) ([]conversation.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, content, is_from_customer, created_at
		 FROM messages
		 WHERE conversation_id = $1 AND created_at >= $2
		 ORDER BY created_at ASC, id ASC`, conversationID, since)
	if err != nil {
		return nil, fmt.Errorf("select messages %s: %w", conversationID, err)
	}
	defer rows.Close()

	var out []conversation.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select messages %s: %w", conversationID, err)
	}
	return out, nil
}

func (s *Store) SelectLastCustomerMessageTime(ctx context.Context, conversationID string) (*time.Time, error) {
	var last *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT max(created_at) FROM messages
		 WHERE conversation_id = $1 AND is_from_customer`, conversationID).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("select last customer message %s: %w", conversationID, err)
	}
	if last != nil {
		t := last.UTC()
		return &t, nil
	}
	return nil, nil
}

func (s *Store) MarkEvaluated(ctx context.Context, conversationID string, triggerType handover.TriggerType, at time.Time) error {
	var trigger *string
	if triggerType != "" {
		v := string(triggerType)
		trigger = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_handover_state
		     (conversation_id, last_evaluated_at, last_triggered_at, last_trigger_type, evaluations, updated_at)
		 VALUES ($1, $2::timestamptz, CASE WHEN $3::text IS NULL THEN NULL ELSE $2::timestamptz END, $3::text, 1, now())
		 ON CONFLICT (conversation_id) DO UPDATE SET
		     last_evaluated_at = GREATEST(conversation_handover_state.last_evaluated_at, EXCLUDED.last_evaluated_at),
		     last_triggered_at = COALESCE(EXCLUDED.last_triggered_at, conversation_handover_state.last_triggered_at),
		     last_trigger_type = COALESCE(EXCLUDED.last_trigger_type, conversation_handover_state.last_trigger_type),
		     evaluations       = conversation_handover_state.evaluations + 1,
		     updated_at        = now()`,
		conversationID, at, trigger)
	if err != nil {
		return fmt.Errorf("mark evaluated %s: %w", conversationID, err)
	}
	return nil
}

// GetHandoverState reads the bookkeeping row. Returns domain.ErrNotFound
// when the conversation was never evaluated.
func (s *Store) GetHandoverState(ctx context.Context, conversationID string) (*handover.EvaluationState, error) {
	var (
		st        handover.EvaluationState
		triggered *time.Time
		trigger   *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT conversation_id, last_evaluated_at, last_triggered_at, last_trigger_type, evaluations
		 FROM conversation_handover_state WHERE conversation_id = $1`, conversationID).
		Scan(&st.ConversationID, &st.LastEvaluatedAt, &triggered, &trigger, &st.Evaluations)
	if err != nil {
		return nil, notFoundWrap(err, "get handover state %s", conversationID)
	}
	st.LastEvaluatedAt = st.LastEvaluatedAt.UTC()
	st.LastTriggeredAt = timeOrZero(triggered)
	if trigger != nil {
		st.LastTriggerType = handover.TriggerType(*trigger)
	}
	return &st, nil
}

func scanMessage(row scannable) (conversation.Message, error) {
	var m conversation.Message
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Content, &m.IsFromCustomer, &m.CreatedAt); err != nil {
		return m, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}
