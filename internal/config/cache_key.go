package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// ExamDefinitionKey returns the cache key for an exam definition
func (r *CacheKeyStruct) ExamDefinitionKey(examID string) string {
	return fmt.Sprintf("exam:%s:definition", examID)
}

// ExamWindowKey returns the cache key for an exam's computed start/end window
func (r *CacheKeyStruct) ExamWindowKey(examID string) string {
	return fmt.Sprintf("exam:%s:window", examID)
}

// QuestionBankKey returns the cache key for a question bank's contents
func (r *CacheKeyStruct) QuestionBankKey(bankID string) string {
	return fmt.Sprintf("bank:%s:questions", bankID)
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

var CacheKey = NewCacheKeyStruct()
