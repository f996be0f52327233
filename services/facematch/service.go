package facematchsvc

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"github.com/trezcool/uwepo/core"
)

var ErrTemplateNotFound = errors.New("face template not found")

// TemplateRepository stores one enrolled face descriptor per student.
type TemplateRepository interface {
	GetTemplate(ctx context.Context, studentID string) (core.FaceSample, error)
	SaveTemplate(ctx context.Context, studentID string, sample core.FaceSample) error
}

// service matches submitted face descriptors against enrolled templates by
// cosine similarity. A student with no template yet gets auto-enrolled from
// their first submission and accepted; subsequent submissions verify against
// that template.
type service struct {
	repo      TemplateRepository
	threshold float64
	logger    core.Logger
}

var _ core.FaceMatcher = (*service)(nil)

func NewService(repo TemplateRepository, conf *core.Config, logger core.Logger) *service {
	return &service{
		repo:      repo,
		threshold: conf.Attendance.FaceMatchThreshold,
		logger:    logger,
	}
}

func (svc *service) Match(ctx context.Context, studentID string, sample core.FaceSample) (core.MatchResult, error) {
	if len(sample) == 0 {
		return core.MatchResult{}, errors.New("empty face descriptor")
	}
	if err := ctx.Err(); err != nil {
		return core.MatchResult{}, err
	}

	tmpl, err := svc.repo.GetTemplate(ctx, studentID)
	if errors.Is(err, ErrTemplateNotFound) {
		if err = svc.repo.SaveTemplate(ctx, studentID, sample); err != nil {
			return core.MatchResult{}, errors.Wrap(err, "enrolling face template")
		}
		svc.logger.Info("enrolled face template", "student", studentID)
		return core.MatchResult{Matched: true, Confidence: 1, FirstEnrollment: true}, nil
	}
	if err != nil {
		return core.MatchResult{}, errors.Wrap(err, "loading face template")
	}

	confidence := cosineSimilarity(tmpl, sample)
	return core.MatchResult{
		Matched:    confidence >= svc.threshold,
		Confidence: confidence,
	}, nil
}

// cosineSimilarity clamps to [0,1]; mismatched or degenerate vectors score
// zero, surfacing as a below-threshold rejection rather than an error.
func cosineSimilarity(a, b core.FaceSample) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}
