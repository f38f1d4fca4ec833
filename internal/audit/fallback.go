package audit

import (
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/khanghh/identcore/model"
	"github.com/khanghh/identcore/params"
	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/valyala/bytebufferpool"
)

// Fallback takes events the primary sink could not accept.
type Fallback interface {
	Write(event *model.AuditEvent, reason string) error
}

type fallbackRecord struct {
	EventID    string                 `json:"event_id"`
	UserID     *uint                  `json:"user_id,omitempty"`
	Action     string                 `json:"action"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Success    bool                   `json:"success"`
	OccurredAt time.Time              `json:"occurred_at"`
	Reason     string                 `json:"reason"`
}

// JSONLinesFallback appends one JSON object per event to w.
type JSONLinesFallback struct {
	mu sync.Mutex
	w  io.Writer
}

func (f *JSONLinesFallback) Write(event *model.AuditEvent, reason string) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	err := json.NewEncoder(buf).Encode(fallbackRecord{
		EventID:    event.EventID,
		UserID:     event.UserID,
		Action:     event.Action,
		Metadata:   event.Metadata,
		Success:    event.Success,
		OccurredAt: event.OccurredAt,
		Reason:     reason,
	})
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	_, err = f.w.Write(buf.B)
	return err
}

func (f *JSONLinesFallback) Close() error {
	if c, ok := f.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func NewJSONLinesFallback(w io.Writer) *JSONLinesFallback {
	return &JSONLinesFallback{w: w}
}

// NewFileFallback writes events to daily rotated files under dir.
func NewFileFallback(dir string, maxAge time.Duration) (*JSONLinesFallback, error) {
	if maxAge <= 0 {
		maxAge = params.AuditFallbackMaxAge
	}
	w, err := rotatelogs.New(
		filepath.Join(dir, "audit.%Y%m%d.jsonl"),
		rotatelogs.WithLinkName(filepath.Join(dir, "audit.jsonl")),
		rotatelogs.WithMaxAge(maxAge),
		rotatelogs.WithRotationTime(params.AuditFallbackRotationTime),
	)
	if err != nil {
		return nil, err
	}
	return NewJSONLinesFallback(w), nil
}
