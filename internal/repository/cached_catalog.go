package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/model"
)

// CachedCatalog fronts the exam catalog with Redis; a nil client disables
// caching. Cache failures are logged and fall through to the underlying
// readers. A stale or corrupt entry is overwritten by the next database read.
type CachedCatalog struct {
	exams     ExamReader
	questions QuestionReader
	rdb       *redis.Client
	ttl       time.Duration
	log       zerolog.Logger
}

// NewCachedCatalog creates a new CachedCatalog.
func NewCachedCatalog(exams ExamReader, questions QuestionReader, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *CachedCatalog {
	return &CachedCatalog{
		exams:     exams,
		questions: questions,
		rdb:       rdb,
		ttl:       ttl,
		log:       log.With().Str("component", "catalog_cache").Logger(),
	}
}

// GetExam implements ExamReader.
func (c *CachedCatalog) GetExam(ctx context.Context, id string) (*model.Exam, error) {
	key := config.CacheKey.ExamDefinitionKey(id)
	var exam model.Exam
	if c.load(ctx, key, &exam) {
		return &exam, nil
	}

	e, err := c.exams.GetExam(ctx, id)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, e)
	return e, nil
}

// ListBankQuestions implements QuestionReader.
func (c *CachedCatalog) ListBankQuestions(ctx context.Context, bankID string) ([]model.Question, error) {
	key := config.CacheKey.QuestionBankKey(bankID)
	var questions []model.Question
	if c.load(ctx, key, &questions) && len(questions) > 0 {
		return questions, nil
	}

	qs, err := c.questions.ListBankQuestions(ctx, bankID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, qs)
	return qs, nil
}

func (c *CachedCatalog) load(ctx context.Context, key string, dst any) bool {
	if c.rdb == nil {
		return false
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn().Err(err).Str("key", key).Msg("Catalog cache read failed")
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Discarding corrupt catalog cache entry")
		return false
	}
	return true
}

func (c *CachedCatalog) store(ctx context.Context, key string, v any) {
	if c.rdb == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Catalog cache write failed")
	}
}
