package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kasuganosora/guildserver/model"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	batchSize     = 100
	flushInterval = 2 * time.Second
)

// Writer persists a batch of guild log rows. store.Store satisfies it.
type Writer interface {
	AppendLogs(ctx context.Context, logs []model.GuildLog) error
}

// Entry is one guild mutation to record.
type Entry struct {
	GuildID     int64
	ActorID     int64
	Type        string
	Description string
	Details     interface{}
	TraceID     string
	At          time.Time
}

// Service logs guild entries asynchronously in batches.
type Service struct {
	w       Writer
	ch      chan model.GuildLog
	flushCh chan chan struct{}
	stopCh  chan struct{}
	stop    sync.Once
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// New creates a new audit Service and starts its background worker.
func New(w Writer, logger *zap.Logger) *Service {
	svc := &Service{
		w:       w,
		ch:      make(chan model.GuildLog, 1024),
		flushCh: make(chan chan struct{}),
		stopCh:  make(chan struct{}),
		logger:  logger,
	}
	svc.wg.Add(1)
	go svc.worker()
	return svc
}

// Log enqueues an entry for async write. It never blocks; a full queue drops the entry.
func (svc *Service) Log(entry Entry) {
	var details datatypes.JSON
	if entry.Details != nil {
		raw, err := json.Marshal(entry.Details)
		if err != nil {
			svc.logger.Warn("audit details not encodable", zap.String("type", entry.Type), zap.Error(err))
		} else {
			details = datatypes.JSON(raw)
		}
	}
	at := entry.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	record := model.GuildLog{
		GuildID:     entry.GuildID,
		ActorID:     entry.ActorID,
		Type:        entry.Type,
		Description: entry.Description,
		Details:     details,
		TraceID:     entry.TraceID,
		CreatedAt:   at,
	}
	select {
	case svc.ch <- record:
	default:
		svc.logger.Warn("audit channel full, dropping entry",
			zap.String("type", entry.Type), zap.Int64("guild_id", entry.GuildID))
	}
}

// Flush writes everything enqueued so far and returns once it is stored.
func (svc *Service) Flush(ctx context.Context) {
	done := make(chan struct{})
	select {
	case svc.flushCh <- done:
	case <-svc.stopCh:
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Stop flushes remaining entries and shuts down the worker.
// It blocks until the worker goroutine has finished.
func (svc *Service) Stop(_ context.Context) {
	svc.stop.Do(func() { close(svc.stopCh) })
	svc.wg.Wait()
}

func (svc *Service) worker() {
	defer svc.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]model.GuildLog, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svc.w.AppendLogs(ctx, batch); err != nil {
			svc.logger.Error("audit batch write failed", zap.Int("entries", len(batch)), zap.Error(err))
		}
		batch = make([]model.GuildLog, 0, batchSize)
	}
	drain := func() {
		for {
			select {
			case entry := <-svc.ch:
				batch = append(batch, entry)
				if len(batch) >= batchSize {
					flush()
				}
			default:
				flush()
				return
			}
		}
	}

	for {
		select {
		case entry := <-svc.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case done := <-svc.flushCh:
			drain()
			close(done)
		case <-svc.stopCh:
			drain()
			return
		}
	}
}
