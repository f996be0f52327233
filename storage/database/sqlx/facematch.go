package sqlxrepos

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/uwepo/core"
	facematchsvc "github.com/trezcool/uwepo/services/facematch"
)

type faceTemplateRepository struct {
	db *sqlx.DB
}

var _ facematchsvc.TemplateRepository = (*faceTemplateRepository)(nil)

func NewFaceTemplateRepository(db *sqlx.DB) *faceTemplateRepository {
	return &faceTemplateRepository{db: db}
}

func (repo *faceTemplateRepository) GetTemplate(ctx context.Context, studentID string) (core.FaceSample, error) {
	var descriptor []byte
	query := `SELECT descriptor FROM face_template WHERE student_id = $1`
	err := repo.db.QueryRowContext(ctx, query, studentID).Scan(&descriptor)
	if err == sql.ErrNoRows {
		return nil, facematchsvc.ErrTemplateNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying face template")
	}

	var sample core.FaceSample
	if err = json.Unmarshal(descriptor, &sample); err != nil {
		return nil, errors.Wrap(err, "decoding face template")
	}
	return sample, nil
}

func (repo *faceTemplateRepository) SaveTemplate(ctx context.Context, studentID string, sample core.FaceSample) error {
	descriptor, err := json.Marshal(sample)
	if err != nil {
		return errors.Wrap(err, "encoding face template")
	}
	query := `
		INSERT INTO face_template (student_id, descriptor, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (student_id) DO UPDATE SET
			descriptor = EXCLUDED.descriptor,
			updated_at = EXCLUDED.updated_at`
	_, err = repo.db.ExecContext(ctx, query, studentID, descriptor, time.Now().UTC())
	return errors.Wrap(err, "saving face template")
}
