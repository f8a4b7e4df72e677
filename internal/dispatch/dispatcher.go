package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"gptbot/internal/classify"
	"gptbot/internal/models"
)

// GenericReply is sent when a handler panics or produces nothing
const GenericReply = "Something went wrong, please try again."

const (
	DefaultMaxWorkers   = 64
	DefaultDedupeWindow = 1024
	recordTimeout       = 5 * time.Second
)

// Sender delivers replies through the transport
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendPhoto(ctx context.Context, chatID int64, url, caption string) error
	SendVoice(ctx context.Context, chatID int64, audio []byte, caption string) error
	SendDocument(ctx context.Context, chatID int64, fileName string, data []byte, caption string) error
}

// ActivityNotifier is optionally implemented by a Sender to show typing or upload status
type ActivityNotifier interface {
	NotifyActivity(ctx context.Context, chatID int64, class models.RequestClass) error
}

type Classifier interface {
	Classify(u models.InboundUpdate) (models.RequestClass, models.Payload, error)
}

type Handler interface {
	Handle(ctx context.Context, class models.RequestClass, chatID int64, p models.Payload) (models.Reply, error)
}

// Recorder persists one interaction log entry
type Recorder interface {
	RecordInteraction(ctx context.Context, i models.Interaction) error
}

type Options struct {
	MaxWorkers   int
	DedupeWindow int
}

type Deps struct {
	Classifier Classifier
	Handler    Handler
	Sender     Sender
	Recorder   Recorder
	Logger     *zap.Logger
}

// Dispatcher runs updates through classification, handling and reply.
//
// Each chat has a FIFO queue drained by at most one goroutine, so updates of one
// chat are handled in arrival order while different chats run in parallel,
// bounded by MaxWorkers.
type Dispatcher struct {
	classifier Classifier
	handler    Handler
	sender     Sender
	recorder   Recorder
	logger     *zap.Logger

	sem  chan struct{}
	seen *lru.Cache[int, struct{}]

	mu     sync.Mutex
	queues map[int64][]models.InboundUpdate
	closed bool
	wg     sync.WaitGroup
}

// New creates a dispatcher. Classifier, Handler and Sender are required.
func New(opts Options, deps Deps) (*Dispatcher, error) {
	if deps.Classifier == nil || deps.Handler == nil || deps.Sender == nil {
		return nil, errors.New("dispatch: classifier, handler and sender are required")
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = DefaultDedupeWindow
	}

	seen, err := lru.New[int, struct{}](opts.DedupeWindow)
	if err != nil {
		return nil, fmt.Errorf("dispatch: failed to create dedupe cache: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		classifier: deps.Classifier,
		handler:    deps.Handler,
		sender:     deps.Sender,
		recorder:   deps.Recorder,
		logger:     logger,
		sem:        make(chan struct{}, opts.MaxWorkers),
		seen:       seen,
		queues:     make(map[int64][]models.InboundUpdate),
	}, nil
}

// Submit enqueues u without blocking. It returns false when u is a
// redelivered duplicate or the dispatcher is shut down.
func (d *Dispatcher) Submit(u models.InboundUpdate) bool {
	if u.UpdateID > 0 {
		if found, _ := d.seen.ContainsOrAdd(u.UpdateID, struct{}{}); found {
			d.logger.Debug("Dropping duplicate update",
				zap.Int("update_id", u.UpdateID),
				zap.Int64("chat_id", u.ChatID))
			return false
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}

	// A queue entry exists exactly while a worker drains it
	q, running := d.queues[u.ChatID]
	d.queues[u.ChatID] = append(q, u)
	if !running {
		d.wg.Add(1)
		go d.worker(u.ChatID)
	}
	return true
}

func (d *Dispatcher) next(chatID int64) (models.InboundUpdate, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[chatID]
	if len(q) == 0 || d.closed {
		delete(d.queues, chatID)
		return models.InboundUpdate{}, false
	}
	u := q[0]
	q[0] = models.InboundUpdate{}
	d.queues[chatID] = q[1:]
	return u, true
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Dispatcher) worker(chatID int64) {
	defer d.wg.Done()

	for {
		u, ok := d.next(chatID)
		if !ok {
			return
		}

		d.sem <- struct{}{}
		if d.isClosed() {
			<-d.sem
			d.mu.Lock()
			delete(d.queues, chatID)
			d.mu.Unlock()
			return
		}
		d.process(u)
		<-d.sem
	}
}

// process handles one update. In-flight work runs on a context that shutdown
// does not cancel, so state writes are never cut in half.
func (d *Dispatcher) process(u models.InboundUpdate) {
	ctx := context.Background()
	start := time.Now()
	logger := d.logger.With(
		zap.Int64("chat_id", u.ChatID),
		zap.Int("update_id", u.UpdateID))

	rec := models.Interaction{
		CreatedAt: start.UTC(),
		ChatID:    u.ChatID,
		UpdateID:  u.UpdateID,
		Status:    models.StatusOK,
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while processing update",
				zap.Any("panic", r),
				zap.Stack("stack"))
			rec.Status = models.StatusFailed
			rec.Error = fmt.Sprintf("panic: %v", r)
		}
		rec.Duration = time.Since(start)
		d.record(rec)
	}()

	class, payload, err := d.classifier.Classify(u)
	rec.Class = string(class)
	if err != nil {
		hint := GenericReply
		var ce *classify.Error
		if errors.As(err, &ce) && ce.Hint != "" {
			hint = ce.Hint
		}
		logger.Info("Classification failed", zap.String("class", string(class)), zap.Error(err))
		rec.Status = models.StatusClassificationError
		rec.Error = err.Error()
		if err := d.send(ctx, u.ChatID, models.TextReply(hint)); err != nil {
			logger.Error("Failed to send hint", zap.Error(err))
		}
		return
	}

	logger = logger.With(zap.String("class", string(class)))

	if n, ok := d.sender.(ActivityNotifier); ok {
		if err := n.NotifyActivity(ctx, u.ChatID, class); err != nil {
			logger.Debug("Failed to send chat action", zap.Error(err))
		}
	}

	reply, err := d.invoke(ctx, class, u.ChatID, payload)
	if err != nil {
		logger.Error("Handler failed", zap.Error(err))
		rec.Status = models.StatusFailed
		rec.Error = err.Error()
	}
	if reply.IsZero() {
		reply = models.TextReply(GenericReply)
	}

	if err := d.send(ctx, u.ChatID, reply); err != nil {
		logger.Error("Failed to send reply", zap.Stringer("kind", reply.Kind), zap.Error(err))
		rec.Status = models.StatusSendFailed
		rec.Error = err.Error()
		return
	}

	logger.Debug("Update handled", zap.Duration("duration", time.Since(start)))
}

func (d *Dispatcher) invoke(ctx context.Context, class models.RequestClass, chatID int64, p models.Payload) (reply models.Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Panic in handler",
				zap.String("class", string(class)),
				zap.Int64("chat_id", chatID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			reply = models.TextReply(GenericReply)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return d.handler.Handle(ctx, class, chatID, p)
}

func (d *Dispatcher) send(ctx context.Context, chatID int64, r models.Reply) error {
	switch r.Kind {
	case models.ReplyPhoto:
		return d.sender.SendPhoto(ctx, chatID, r.PhotoURL, r.Text)
	case models.ReplyVoice:
		return d.sender.SendVoice(ctx, chatID, r.Data, r.Text)
	case models.ReplyDocument:
		return d.sender.SendDocument(ctx, chatID, r.FileName, r.Data, r.Text)
	default:
		return d.sender.SendText(ctx, chatID, r.Text)
	}
}

func (d *Dispatcher) record(rec models.Interaction) {
	if d.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := d.recorder.RecordInteraction(ctx, rec); err != nil {
		d.logger.Warn("Failed to record interaction",
			zap.Int64("chat_id", rec.ChatID),
			zap.Int("update_id", rec.UpdateID),
			zap.Error(err))
	}
}

// Shutdown stops accepting updates, drops queued ones and waits for
// in-flight updates until ctx is done
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	dropped := 0
	for _, q := range d.queues {
		dropped += len(q)
	}
	d.mu.Unlock()

	if dropped > 0 {
		d.logger.Info("Dropping queued updates on shutdown", zap.Int("count", dropped))
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch: shutdown interrupted: %w", ctx.Err())
	}
}
