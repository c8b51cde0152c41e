package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Sink menerima entri audit dari Logger.
type Sink interface {
	Deliver(ctx context.Context, entry Entry) error
}

// DropObserver mencatat entri yang dibuang dan kedalaman antrean.
type DropObserver interface {
	AuditDropped(reason string)
	AuditQueueDepth(n int)
}

// Alasan pembuangan entri.
const (
	DropQueueFull = "queue_full"
	DropClosed    = "closed"
	DropPermanent = "permanent"
	DropExhausted = "retries_exhausted"
	DropShutdown  = "shutdown"
)

// ErrClosed dikembalikan oleh Close yang dipanggil lebih dari sekali.
var ErrClosed = errors.New("audit: logger closed")

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent menandai error yang tidak perlu dicoba ulang.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent melaporkan apakah err ditandai Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// LoggerConfig mengatur antrean dan kebijakan retry.
type LoggerConfig struct {
	QueueSize       int
	Attempts        int
	Backoff         time.Duration
	DeliveryTimeout time.Duration
}

func (c LoggerConfig) withDefaults() LoggerConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Attempts <= 0 {
		c.Attempts = 5
	}
	if c.Backoff <= 0 {
		c.Backoff = 100 * time.Millisecond
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 5 * time.Second
	}
	return c
}

// Logger mengirim entri audit secara asinkron. Record tidak pernah memblokir
// dan tidak pernah gagal; entri yang tidak terkirim hanya tercatat di metrik
// dan log.
type Logger struct {
	sink    Sink
	cfg     LoggerConfig
	logger  *slog.Logger
	metrics DropObserver
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan Entry

	startOnce sync.Once
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewLogger membuat logger audit. Start harus dipanggil agar entri dikirim.
func NewLogger(sink Sink, cfg LoggerConfig, logger *slog.Logger, metrics DropObserver) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Logger{
		sink:    sink,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		queue:   make(chan Entry, cfg.QueueSize),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start menjalankan dispatcher di goroutine terpisah.
func (l *Logger) Start() {
	l.startOnce.Do(func() {
		go l.dispatch()
	})
}

// Record mengantrekan entri tanpa menunggu.
func (l *Logger) Record(entry Entry) {
	if l == nil {
		return
	}
	entry = entry.Normalize(l.now())
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.drop(entry, DropClosed, nil)
		return
	}
	select {
	case l.queue <- entry:
		l.depth()
	default:
		l.drop(entry, DropQueueFull, nil)
	}
}

// Close berhenti menerima entri dan menunggu antrean habis terkirim. Bila ctx
// berakhir lebih dulu, pengiriman yang tersisa dibatalkan.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	l.Start()
	select {
	case <-l.done:
		l.cancel()
		return nil
	case <-ctx.Done():
		l.cancel()
		<-l.done
		return ctx.Err()
	}
}

func (l *Logger) dispatch() {
	defer close(l.done)
	for entry := range l.queue {
		l.depth()
		if l.ctx.Err() != nil {
			l.drop(entry, DropShutdown, l.ctx.Err())
			continue
		}
		l.deliver(entry)
	}
}

func (l *Logger) deliver(entry Entry) {
	if l.sink == nil {
		l.drop(entry, DropPermanent, errors.New("audit: sink not configured"))
		return
	}
	var err error
	for attempt := 0; attempt < l.cfg.Attempts; attempt++ {
		ctx, cancel := context.WithTimeout(l.ctx, l.cfg.DeliveryTimeout)
		err = l.sink.Deliver(ctx, entry)
		cancel()
		if err == nil {
			return
		}
		if IsPermanent(err) {
			l.drop(entry, DropPermanent, err)
			return
		}
		if attempt == l.cfg.Attempts-1 {
			break
		}
		l.logger.Warn("audit delivery retry",
			slog.String("entry_id", entry.ID.String()),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
		timer := time.NewTimer(l.cfg.Backoff << attempt)
		select {
		case <-l.ctx.Done():
			timer.Stop()
			l.drop(entry, DropShutdown, l.ctx.Err())
			return
		case <-timer.C:
		}
	}
	l.drop(entry, DropExhausted, err)
}

func (l *Logger) drop(entry Entry, reason string, err error) {
	if l.metrics != nil {
		l.metrics.AuditDropped(reason)
	}
	attrs := []any{
		slog.String("entry_id", entry.ID.String()),
		slog.String("action", string(entry.Action)),
		slog.String("principal", entry.Principal),
		slog.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	l.logger.Error("audit entry dropped", attrs...)
}

func (l *Logger) depth() {
	if l.metrics != nil {
		l.metrics.AuditQueueDepth(len(l.queue))
	}
}

// RepositorySink menulis entri langsung ke repository.
type RepositorySink struct {
	repo Repository
}

// NewRepositorySink membungkus repository sebagai Sink.
func NewRepositorySink(repo Repository) *RepositorySink {
	return &RepositorySink{repo: repo}
}

// Deliver menyimpan entri ke repository.
func (s *RepositorySink) Deliver(ctx context.Context, entry Entry) error {
	if !entry.Action.Valid() {
		return Permanent(errors.New("audit: invalid action"))
	}
	return s.repo.Append(ctx, entry)
}
