package repositories

import (
	"context"

	"github.com/klinika/server/domain/entities"
)

// TranscriptRepository defines data access methods for completed transcripts.
type TranscriptRepository interface {
	Save(ctx context.Context, record *entities.TranscriptRecord) error
	GetBySessionID(ctx context.Context, sessionID string) (*entities.TranscriptRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*entities.TranscriptRecord, error)
}
