package style

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists profiles in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS style_profiles (
			user_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT '',
			voice_id TEXT NOT NULL DEFAULT '',
			utterances INTEGER NOT NULL DEFAULT 0,
			avg_speech_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_words_per_min DOUBLE PRECISION NOT NULL DEFAULT 0,
			interruptions INTEGER NOT NULL DEFAULT 0,
			end_silence_ms INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_style_profiles_tenant ON style_profiles (tenant_id);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (Profile, bool, error) {
	var p Profile
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, tenant_id, voice_id, utterances, avg_speech_ms, avg_words_per_min,
		        interruptions, end_silence_ms, updated_at
		 FROM style_profiles WHERE user_id=$1`,
		userID,
	).Scan(&p.UserID, &p.TenantID, &p.VoiceID, &p.Utterances, &p.AvgSpeechMS, &p.AvgWordsPerMin,
		&p.Interruptions, &p.EndSilenceMS, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, fmt.Errorf("get style profile: %w", err)
	}
	return p, true, nil
}

func (s *PostgresStore) Put(ctx context.Context, p Profile) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO style_profiles (user_id, tenant_id, voice_id, utterances, avg_speech_ms,
		                             avg_words_per_min, interruptions, end_silence_ms, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (user_id) DO UPDATE SET
		   tenant_id = EXCLUDED.tenant_id,
		   voice_id = EXCLUDED.voice_id,
		   utterances = EXCLUDED.utterances,
		   avg_speech_ms = EXCLUDED.avg_speech_ms,
		   avg_words_per_min = EXCLUDED.avg_words_per_min,
		   interruptions = EXCLUDED.interruptions,
		   end_silence_ms = EXCLUDED.end_silence_ms,
		   updated_at = EXCLUDED.updated_at`,
		p.UserID, p.TenantID, p.VoiceID, p.Utterances, p.AvgSpeechMS,
		p.AvgWordsPerMin, p.Interruptions, p.EndSilenceMS, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put style profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
