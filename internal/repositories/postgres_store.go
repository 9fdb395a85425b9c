package repositories

import (
	"context"
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
)

// PostgresStore implements Store on top of sqlx.
type PostgresStore struct {
	db            *sqlx.DB
	tx            *sqlx.Tx
	conversations *ConversationRepo
	messages      *MessageRepo
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{
		db:            db,
		conversations: NewConversationRepo(db),
		messages:      NewMessageRepo(db),
	}
}

func (s *PostgresStore) Conversations() ConversationRepository { return s.conversations }

func (s *PostgresStore) Messages() MessageRepository { return s.messages }

// WithinTx runs fn with repositories bound to one transaction. Nested calls join the outer transaction.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Store) error) (err error) {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Printf("postgres rollback failed: %v", rbErr)
			}
		}
	}()

	if err = fn(&PostgresStore{
		db:            s.db,
		tx:            tx,
		conversations: NewConversationRepo(tx),
		messages:      NewMessageRepo(tx),
	}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.tx != nil {
		return nil
	}
	return s.db.Close()
}
