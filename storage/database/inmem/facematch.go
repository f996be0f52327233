package inmemdb

import (
	"context"

	"github.com/trezcool/uwepo/core"
	facematchsvc "github.com/trezcool/uwepo/services/facematch"
)

type faceTemplateRepository struct {
	db *DB
}

var _ facematchsvc.TemplateRepository = (*faceTemplateRepository)(nil)

func NewFaceTemplateRepository(db *DB) *faceTemplateRepository {
	return &faceTemplateRepository{db: db}
}

func (repo *faceTemplateRepository) GetTemplate(_ context.Context, studentID string) (core.FaceSample, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()
	if tmpl, ok := repo.db.templates[studentID]; ok {
		return append(core.FaceSample(nil), tmpl...), nil
	}
	return nil, facematchsvc.ErrTemplateNotFound
}

func (repo *faceTemplateRepository) SaveTemplate(_ context.Context, studentID string, sample core.FaceSample) error {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()
	repo.db.templates[studentID] = append(core.FaceSample(nil), sample...)
	return nil
}
