package repository

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Querier is the data-access surface the API handlers depend on.
type Querier interface {
	UserOwnsConversation(ctx context.Context, userUUID, convUUID uuid.UUID) (bool, error)
	CreateConversation(ctx context.Context, userUUID, convUUID uuid.UUID, name string) error
	ListConversations(ctx context.Context, userUUID uuid.UUID) ([]ConversationSummary, error)
	ConversationNameExists(ctx context.Context, userUUID uuid.UUID, name string) (bool, error)
	RenameConversation(ctx context.Context, convUUID uuid.UUID, name string) error
	DeleteConversation(ctx context.Context, convUUID uuid.UUID) error
	AppendMessage(ctx context.Context, convUUID uuid.UUID, role, content string, tokens int32, cost decimal.Decimal) error
	ListMessages(ctx context.Context, convUUID uuid.UUID) ([]Message, error)
	UserPackages(ctx context.Context, userSub string, languageID int) ([]PackageEntitlement, error)
	TotalTokensForUser(ctx context.Context, userUUID uuid.UUID) (int64, error)
}

// Store implements Querier over a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Querier = (*Store)(nil)

// NewStore creates a Store backed by the given pool.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{
		pool:   pool,
		logger: logger.With("component", "repository"),
	}
}

// UserOwnsConversation reports whether the conversation exists and belongs to
// the user. Callers must check this before any other conversation operation.
func (s *Store) UserOwnsConversation(ctx context.Context, userUUID, convUUID uuid.UUID) (bool, error) {
	var owns bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM conversations WHERE uuid = $1 AND user_uuid = $2)`,
		convUUID, userUUID,
	).Scan(&owns)
	if err != nil {
		return false, fmt.Errorf("failed to check conversation ownership: %w", err)
	}
	return owns, nil
}

func (s *Store) CreateConversation(ctx context.Context, userUUID, convUUID uuid.UUID, name string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (uuid, user_uuid, name) VALUES ($1, $2, $3)`,
		convUUID, userUUID, name,
	)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (s *Store) ListConversations(ctx context.Context, userUUID uuid.UUID) ([]ConversationSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT uuid, name FROM conversations WHERE user_uuid = $1 ORDER BY id`,
		userUUID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []ConversationSummary
	for rows.Next() {
		var c ConversationSummary
		if err := rows.Scan(&c.UUID, &c.Name); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

func (s *Store) ConversationNameExists(ctx context.Context, userUUID uuid.UUID, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM conversations WHERE user_uuid = $1 AND name = $2)`,
		userUUID, name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check conversation name: %w", err)
	}
	return exists, nil
}

// RenameConversation updates the display name. Returns ErrNotFound when the
// conversation does not exist; the uniqueness pre-check is the caller's job.
func (s *Store) RenameConversation(ctx context.Context, convUUID uuid.UUID, name string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET name = $2 WHERE uuid = $1`,
		convUUID, name,
	)
	if err != nil {
		return fmt.Errorf("failed to rename conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes the conversation and all of its messages in a
// single transaction. Partial deletion is never observable.
func (s *Store) DeleteConversation(ctx context.Context, convUUID uuid.UUID) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("could not start delete transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM conversation_messages WHERE conversation_uuid = $1`, convUUID,
	); err != nil {
		return fmt.Errorf("failed to delete conversation messages: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM conversations WHERE uuid = $1`, convUUID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

// AppendMessage appends one ordered record. A foreign-key violation here means
// an upstream existence check was skipped; the error propagates as-is so it is
// loud rather than silently recovered.
//
// Concurrent appends to the same conversation interleave by commit order; the
// system does not serialize them.
func (s *Store) AppendMessage(ctx context.Context, convUUID uuid.UUID, role, content string, tokens int32, cost decimal.Decimal) error {
	var numeric pgtype.Numeric
	if err := numeric.Scan(cost.String()); err != nil {
		return fmt.Errorf("failed to convert message cost: %w", err)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_messages (conversation_uuid, role, content, tokens, cost)
		 VALUES ($1, $2, $3, $4, $5)`,
		convUUID, role, content, tokens, numeric,
	)
	if err != nil {
		return fmt.Errorf("failed to append %s message: %w", role, err)
	}
	return nil
}

// ListMessages returns every record for the conversation in creation order.
func (s *Store) ListMessages(ctx context.Context, convUUID uuid.UUID) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_uuid, role, content, tokens, cost, sent_at
		 FROM conversation_messages WHERE conversation_uuid = $1 ORDER BY id`,
		convUUID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var (
			m    Message
			cost pgtype.Numeric
		)
		if err := rows.Scan(&m.ID, &m.ConversationUUID, &m.Role, &m.Content, &m.Tokens, &cost, &m.SentAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		if cost.Valid {
			m.Cost = decimal.NewFromBigInt(cost.Int, cost.Exp)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// UserPackages returns the user's entitlements with localized package names,
// one row per entitlement in policy-issue order.
func (s *Store) UserPackages(ctx context.Context, userSub string, languageID int) ([]PackageEntitlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ui.package_id, pl.name, ui.deductible, ui.sum_insured
		 FROM user_insurances ui
		 JOIN package p ON ui.package_id = p.id
		 JOIN package_language pl ON p.id = pl.package_id
		 WHERE pl.language_id = $2 AND ui.user_sub = $1
		 ORDER BY ui.id`,
		userSub, languageID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load user packages: %w", err)
	}
	defer rows.Close()

	var entitlements []PackageEntitlement
	for rows.Next() {
		var e PackageEntitlement
		if err := rows.Scan(&e.PackageID, &e.Name, &e.Deductible, &e.SumInsured); err != nil {
			return nil, fmt.Errorf("failed to scan entitlement row: %w", err)
		}
		entitlements = append(entitlements, e)
	}
	return entitlements, rows.Err()
}

func (s *Store) TotalTokensForUser(ctx context.Context, userUUID uuid.UUID) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(m.tokens), 0)
		 FROM conversation_messages m
		 JOIN conversations c ON m.conversation_uuid = c.uuid
		 WHERE c.user_uuid = $1`,
		userUUID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum user tokens: %w", err)
	}
	return total, nil
}
