package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/LuKev/chess-db-sub001/internal/model"
	"github.com/LuKev/chess-db-sub001/internal/store"
)

func (s *Store) PutAnnotation(ctx context.Context, a *model.GameAnnotation) error {
	if err := s.ownsGame(ctx, a.UserID, a.GameID); err != nil {
		return err
	}
	payload, err := a.Payload()
	if err != nil {
		return fmt.Errorf("encode annotation: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO game_annotations (user_id, game_id, payload, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (user_id, game_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`,
		a.UserID, a.GameID, []byte(payload))
	if err != nil {
		return fmt.Errorf("upsert annotation: %w", err)
	}
	return nil
}

func (s *Store) AddToCollection(ctx context.Context, userID, collectionID, gameID uuid.UUID) error {
	if err := s.ownsGame(ctx, userID, gameID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO collection_games (collection_id, user_id, game_id)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		collectionID, userID, gameID)
	if err != nil {
		return fmt.Errorf("add to collection: %w", err)
	}
	return nil
}

func (s *Store) AddGameTag(ctx context.Context, userID, gameID uuid.UUID, tag string) error {
	if err := s.ownsGame(ctx, userID, gameID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO game_tags (user_id, game_id, tag) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		userID, gameID, strings.ToLower(strings.TrimSpace(tag)))
	if err != nil {
		return fmt.Errorf("add game tag: %w", err)
	}
	return nil
}

func (s *Store) ownsGame(ctx context.Context, userID, gameID uuid.UUID) error {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM games WHERE id = $1 AND user_id = $2)`, gameID, userID).Scan(&ok)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotFound
	}
	return nil
}
