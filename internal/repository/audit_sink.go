package repository

import (
	"context"
	"sync/atomic"
	"time"

	"titan/internal/models"
	"titan/pkg/retry"
	"titan/pkg/utils"
)

// RejectionWriter - запись отклонения (RejectionRepository)
type RejectionWriter interface {
	Create(ev *models.RejectionEvent) error
}

// FillWriter - запись fill в журнал (FillRepository)
type FillWriter interface {
	Append(f models.Fill) (bool, error)
}

// auditItem - одна запись очереди: либо отклонение, либо fill
type auditItem struct {
	rejection *models.RejectionEvent
	fill      *models.Fill
}

// AuditSink - асинхронная запись аудита.
//
// Гейт никогда не ждет базу: Record* кладут событие в буферизованную очередь,
// при переполнении событие теряется (считается и логируется).
// Повторы записи живут здесь, в адаптере, а не в конвейере команд.
type AuditSink struct {
	rejections RejectionWriter
	fills      FillWriter
	queue      chan auditItem
	retryCfg   retry.Config
	logger     *utils.Logger

	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewAuditSink создает sink. Любой из writer может быть nil: такие события пропускаются.
func NewAuditSink(rejections RejectionWriter, fills FillWriter, size int, logger *utils.Logger) *AuditSink {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	s := &AuditSink{
		rejections: rejections,
		fills:      fills,
		queue:      make(chan auditItem, size),
		retryCfg:   retry.SinkConfig(),
		logger:     logger.WithComponent("audit"),
	}
	s.retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.logger.Warn("audit write retry", utils.Int("attempt", attempt), utils.Err(err), utils.Any("delay", delay))
	}
	return s
}

// RecordRejection ставит отклонение в очередь, не блокируя
func (s *AuditSink) RecordRejection(ev models.RejectionEvent) {
	if s.rejections == nil {
		return
	}
	s.enqueue(auditItem{rejection: &ev})
}

// RecordFill ставит fill в очередь, не блокируя
func (s *AuditSink) RecordFill(f models.Fill) {
	if s.fills == nil {
		return
	}
	s.enqueue(auditItem{fill: &f})
}

func (s *AuditSink) enqueue(item auditItem) {
	select {
	case s.queue <- item:
	default:
		n := s.dropped.Add(1)
		s.logger.Warn("audit queue full, event dropped", utils.Int64("dropped_total", int64(n)))
	}
}

// Dropped - события, потерянные из-за переполнения очереди
func (s *AuditSink) Dropped() uint64 { return s.dropped.Load() }

// Failed - события, которые не удалось записать после всех повторов
func (s *AuditSink) Failed() uint64 { return s.failed.Load() }

// Pending - длина очереди
func (s *AuditSink) Pending() int { return len(s.queue) }

// Run пишет очередь до отмены контекста, затем дописывает остаток
func (s *AuditSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return nil
		case item := <-s.queue:
			if ctx.Err() != nil {
				s.drain(item)
				return nil
			}
			s.write(ctx, item)
		}
	}
}

// drain дописывает оставшееся при остановке, с ограничением по времени
func (s *AuditSink) drain(pending ...auditItem) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, item := range pending {
		s.write(ctx, item)
	}
	for {
		select {
		case item := <-s.queue:
			s.write(ctx, item)
		default:
			return
		}
	}
}

func (s *AuditSink) write(ctx context.Context, item auditItem) {
	var err error
	switch {
	case item.rejection != nil:
		err = retry.Do(ctx, func() error { return s.rejections.Create(item.rejection) }, s.retryCfg)
		if err != nil {
			s.logger.Error("failed to persist rejection",
				utils.CommandID(item.rejection.CommandID),
				utils.Reason(string(item.rejection.Reason)),
				utils.Err(err))
		}
	case item.fill != nil:
		err = retry.Do(ctx, func() error {
			_, err := s.fills.Append(*item.fill)
			return err
		}, s.retryCfg)
		if err != nil {
			s.logger.Error("failed to persist fill",
				utils.String("fill_id", item.fill.FillID),
				utils.Symbol(item.fill.Symbol),
				utils.Err(err))
		}
	}
	if err != nil {
		s.failed.Add(1)
	}
}
