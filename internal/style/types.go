package style

import (
	"context"
	"time"
)

// Profile is the learned speaking style of one user.
type Profile struct {
	UserID         string    `json:"user_id"`
	TenantID       string    `json:"tenant_id"`
	VoiceID        string    `json:"voice_id,omitempty"`
	Utterances     int       `json:"utterances"`
	AvgSpeechMS    float64   `json:"avg_speech_ms"`
	AvgWordsPerMin float64   `json:"avg_words_per_min"`
	Interruptions  int       `json:"interruptions"`
	EndSilenceMS   int       `json:"end_silence_ms,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store persists profiles keyed by user id.
type Store interface {
	Get(ctx context.Context, userID string) (Profile, bool, error)
	Put(ctx context.Context, p Profile) error
	Close() error
}
