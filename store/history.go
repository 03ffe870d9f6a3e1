// Package store 提供会话历史的默认持久化实现（sqlite）。
// 协调器通过 dialogue.ContextSupplier 契约使用它，
// 存储本身对对话语义一无所知。
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/npcflow/config"
	"github.com/BaSui01/npcflow/internal/metrics"
	"github.com/BaSui01/npcflow/types"
)

// Turn 一条持久化的会话轮。
type Turn struct {
	ID        uint      `gorm:"primaryKey"`
	CallerID  string    `gorm:"index:idx_pair;size:128;not null"`
	TargetID  string    `gorm:"index:idx_pair;size:128;not null"`
	Role      string    `gorm:"size:16;not null"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// HistoryStore sqlite 会话历史存储。可并发使用。
type HistoryStore struct {
	db        *gorm.DB
	maxTurns  int
	collector *metrics.Collector
	logger    *zap.Logger
}

// Open 打开（必要时创建）历史数据库并完成迁移。
// cfg.Path 为 ":memory:" 时使用内存库（测试用）。
func Open(cfg config.HistoryConfig, collector *metrics.Collector, logger *zap.Logger) (*HistoryStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 50
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if err := db.AutoMigrate(&Turn{}); err != nil {
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}

	logger.Info("history store opened",
		zap.String("path", cfg.Path),
		zap.Int("max_turns", maxTurns))

	return &HistoryStore{
		db:        db,
		maxTurns:  maxTurns,
		collector: collector,
		logger:    logger.With(zap.String("component", "history")),
	}, nil
}

// GetHistory 返回一对 caller:target 最近的轮，按时间从旧到新排列，
// 数量以 MaxTurns 为上界。
func (s *HistoryStore) GetHistory(ctx context.Context, callerID, targetID string) ([]types.Message, error) {
	start := time.Now()
	defer s.record("get", start)

	var turns []Turn
	err := s.db.WithContext(ctx).
		Where("caller_id = ? AND target_id = ?", callerID, targetID).
		Order("id DESC").
		Limit(s.maxTurns).
		Find(&turns).Error
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}

	// 倒序查询取到的是最近的轮，翻回时间正序
	msgs := make([]types.Message, 0, len(turns))
	for i := len(turns) - 1; i >= 0; i-- {
		msgs = append(msgs, types.Message{
			Role:      types.Role(turns[i].Role),
			Content:   turns[i].Content,
			Timestamp: turns[i].CreatedAt,
		})
	}
	return msgs, nil
}

// Append 追加若干轮并裁剪该对的存量到 MaxTurns。
func (s *HistoryStore) Append(ctx context.Context, callerID, targetID string, msgs ...types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	start := time.Now()
	defer s.record("append", start)

	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, Turn{
			CallerID:  callerID,
			TargetID:  targetID,
			Role:      string(m.Role),
			Content:   m.Content,
			CreatedAt: m.Timestamp,
		})
	}
	if err := s.db.WithContext(ctx).Create(&turns).Error; err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return s.prunePair(ctx, callerID, targetID)
}

// prunePair 只保留一对 caller:target 最近的 MaxTurns 条。
func (s *HistoryStore) prunePair(ctx context.Context, callerID, targetID string) error {
	var cutoff Turn
	err := s.db.WithContext(ctx).
		Where("caller_id = ? AND target_id = ?", callerID, targetID).
		Order("id DESC").
		Offset(s.maxTurns - 1).
		First(&cutoff).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find prune cutoff: %w", err)
	}

	err = s.db.WithContext(ctx).
		Where("caller_id = ? AND target_id = ? AND id < ?", callerID, targetID, cutoff.ID).
		Delete(&Turn{}).Error
	if err != nil {
		return fmt.Errorf("prune history: %w", err)
	}
	return nil
}

// Prune 对所有成对历史做一次全量裁剪（维护入口，启动时调用）。
func (s *HistoryStore) Prune(ctx context.Context) error {
	start := time.Now()
	defer s.record("prune", start)

	type pair struct {
		CallerID string
		TargetID string
	}
	var pairs []pair
	err := s.db.WithContext(ctx).Model(&Turn{}).
		Distinct("caller_id", "target_id").
		Find(&pairs).Error
	if err != nil {
		return fmt.Errorf("list history pairs: %w", err)
	}
	for _, p := range pairs {
		if err := s.prunePair(ctx, p.CallerID, p.TargetID); err != nil {
			return err
		}
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *HistoryStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *HistoryStore) record(operation string, start time.Time) {
	if s.collector != nil {
		s.collector.RecordHistoryQuery(operation, time.Since(start))
	}
}
