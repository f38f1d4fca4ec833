package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/khanghh/identcore/internal/metrics"
	"github.com/khanghh/identcore/model"
	"github.com/khanghh/identcore/params"
	"github.com/segmentio/ksuid"
	"gorm.io/datatypes"
)

// Logger records audit events asynchronously. Recording never blocks on the
// sink and never fails: events the sink cannot take go to the fallback.
type Logger struct {
	repo      AuditEventRepository
	fallback  Fallback
	metrics   metrics.Recorder
	ch        chan *model.AuditEvent
	done      chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex // guards closed against sends racing Close
	closed    bool
	closeOnce sync.Once
	now       func() time.Time
}

func (l *Logger) Record(ctx context.Context, userID *uint, action string, metadata map[string]interface{}, success bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Audit record panicked", "action", action, "panic", r)
		}
	}()

	event := &model.AuditEvent{
		EventID:    ksuid.New().String(),
		UserID:     userID,
		Action:     action,
		Metadata:   datatypes.JSONMap(metadata),
		Success:    success,
		OccurredAt: l.now(),
	}
	if reason := l.enqueue(event); reason != "" {
		l.writeFallback(event, reason)
	}
}

// enqueue hands event to the writer and returns the fallback reason when it
// cannot.
func (l *Logger) enqueue(event *model.AuditEvent) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return reasonClosed
	}
	select {
	case l.ch <- event:
		return ""
	default:
		return reasonBufferFull
	}
}

func (l *Logger) run() {
	defer l.wg.Done()
	for {
		select {
		case event := <-l.ch:
			l.emit(event)
		case <-l.done:
			for {
				select {
				case event := <-l.ch:
					l.emit(event)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) emit(event *model.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), params.AuditWriteTimeout)
	defer cancel()
	if err := l.repo.RecordEvent(ctx, event); err != nil {
		slog.Warn("Failed to write audit event", "action", event.Action, "error", err)
		l.writeFallback(event, reasonSinkError)
	}
}

func (l *Logger) writeFallback(event *model.AuditEvent, reason string) {
	l.metrics.RecordAuditFallback(reason)
	if l.fallback != nil {
		err := l.fallback.Write(event, reason)
		if err == nil {
			return
		}
		slog.Error("Failed to write audit fallback", "error", err)
	}
	slog.Warn("Audit event",
		"event_id", event.EventID,
		"user", event.UserID,
		"action", event.Action,
		"success", event.Success,
		"reason", reason,
	)
}

// Close stops accepting events and drains the queue into the sink.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.done)
		l.wg.Wait()
	})
}

func NewLogger(repo AuditEventRepository, fallback Fallback, bufferSize int, recorder metrics.Recorder) *Logger {
	if bufferSize <= 0 {
		bufferSize = params.AuditBufferSize
	}
	l := &Logger{
		repo:     repo,
		fallback: fallback,
		metrics:  metrics.OrNoop(recorder),
		ch:       make(chan *model.AuditEvent, bufferSize),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	l.wg.Add(1)
	go l.run()
	return l
}
