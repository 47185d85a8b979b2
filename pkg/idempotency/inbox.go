// Package idempotency provides the Inbox pattern for exactly-once processing
// of retried requests and redelivered messages.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrDuplicateMessage indicates another caller claimed the key first.
	ErrDuplicateMessage = errors.New("duplicate message: already processed")
	// ErrMessageInProgress indicates the key is being processed right now.
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed indicates the key failed with a terminal error.
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
	// ErrPayloadMismatch indicates the key was first used with a different payload.
	ErrPayloadMismatch = errors.New("idempotency key reused with a different payload")
	// ErrEntryNotFound is returned by stores for unknown keys.
	ErrEntryNotFound = errors.New("inbox entry not found")
)

// Entry is an inbox record
type Entry struct {
	Key         string
	HandlerName string
	Status      Status
	Payload     json.RawMessage
	Result      json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   *time.Time
}

// Store persists inbox entries.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	// Start claims key, creating it or reclaiming a RECOVERABLE entry.
	// It returns ErrDuplicateMessage when the key is held in any other state.
	Start(ctx context.Context, key, handlerName string, payload json.RawMessage, expiresAt time.Time) error
	SetStatus(ctx context.Context, key string, status Status, result json.RawMessage) error
	// Cleanup deletes expired entries and returns how many were removed.
	Cleanup(ctx context.Context, now time.Time) (int64, error)
}

// Config holds configuration for the inbox
type Config struct {
	// TTL is how long an entry is remembered
	TTL time.Duration
	// CleanupInterval is how often expired entries are removed
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
	// Terminal reports whether a handler error must not be retried. When nil
	// every error leaves the entry recoverable.
	Terminal func(error) bool
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		TTL:             7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox manages idempotent processing
type Inbox struct {
	store  Store
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates a new inbox over store
func NewInbox(store Store, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		store:  store,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Process runs fn at most once per key. A finished key returns the stored
// result without calling fn again. The entry keeps a digest of payload; a key
// that is finished, failed or in progress under a different payload is
// rejected with ErrPayloadMismatch. A recoverable key may be retried with a
// corrected payload.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	digest := Digest(payload)

	entry, err := i.store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrEntryNotFound) {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	if entry != nil {
		if entry.Status != StatusRecoverable && !sameDigest(entry.Payload, digest) {
			span.SetAttributes(attribute.Bool("payload_mismatch", true))
			return nil, fmt.Errorf("%w: %s", ErrPayloadMismatch, key)
		}
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{Result: entry.Result}, nil

		case StatusFailed:
			span.SetAttributes(attribute.Bool("previously_failed", true))
			return &ProcessResult{Result: entry.Result}, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)

		case StatusStarted:
			if i.now().Sub(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			i.logger.Warn("reclaiming abandoned inbox entry", zap.String("key", key), zap.String("handler", entry.HandlerName))
			if err := i.store.SetStatus(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("mark recoverable: %w", err)
			}

		case StatusRecoverable:
			span.SetAttributes(attribute.Bool("recovered", true))
		}
	}

	if err := i.store.Start(ctx, key, handlerName, digest, i.now().Add(i.config.TTL)); err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			return nil, err
		}
		return nil, fmt.Errorf("start processing: %w", err)
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if i.config.Terminal != nil && i.config.Terminal(handlerErr) {
			status = StatusFailed
		}
		errResult, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.store.SetStatus(ctx, key, status, errResult); err != nil {
			i.logger.Error("failed to record handler error", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.store.SetStatus(ctx, key, StatusFinished, result); err != nil {
		// the handler succeeded; a retry will re-run it once the entry is reclaimed
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}

	return &ProcessResult{
		IsNew:        entry == nil,
		WasRecovered: entry != nil,
		Result:       result,
	}, nil
}

// Digest returns the sha256 of payload with insignificant JSON whitespace
// removed, encoded as a JSON string. Empty payloads have no digest.
func Digest(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	var buf bytes.Buffer
	normalized := []byte(payload)
	if err := json.Compact(&buf, payload); err == nil {
		normalized = buf.Bytes()
	}
	sum := sha256.Sum256(normalized)
	return json.RawMessage(`"` + hex.EncodeToString(sum[:]) + `"`)
}

// sameDigest treats a missing digest on either side as a match.
func sameDigest(stored, digest json.RawMessage) bool {
	if len(stored) == 0 || len(digest) == 0 {
		return true
	}
	return bytes.Equal(stored, digest)
}

// Key derives a deterministic inbox key from its parts, e.g. a handler scope,
// a resource ID and a client-supplied idempotency key.
func Key(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the cleanup goroutine started by StartCleanup
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			n, err := i.store.Cleanup(i.ctx, i.now())
			if err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
			}
		}
	}
}
