package escrowd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"quorumescrow/core/events"
	"quorumescrow/crypto"
	"quorumescrow/native/escrow"
)

// Journal drivers accepted by OpenJournal.
const (
	JournalDriverSQLite   = "sqlite"
	JournalDriverPostgres = "postgres"
)

// JournalEntry is one persisted escrow notification.
type JournalEntry struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	EscrowID   string    `gorm:"index:idx_escrow_events_instance,priority:1;not null"`
	Sequence   uint64    `gorm:"index:idx_escrow_events_instance,priority:2"`
	Type       string    `gorm:"index;not null"`
	Time       int64     `gorm:"not null"`
	Attributes string    `gorm:"type:text"`
	CreatedAt  time.Time
}

// TableName pins the table name independent of gorm's pluralisation rules.
func (JournalEntry) TableName() string { return "escrow_events" }

// Attrs decodes the stored attribute map.
func (e JournalEntry) Attrs() map[string]string {
	out := make(map[string]string)
	if strings.TrimSpace(e.Attributes) == "" {
		return out
	}
	_ = json.Unmarshal([]byte(e.Attributes), &out)
	return out
}

// Journal persists every notification it receives. With a positive buffer
// size writes happen on a background worker; a full buffer falls back to an
// inline write so no notification is dropped.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan journalJob
	done   chan struct{}
}

// journalJob is either an entry to write or, when flushed is set, a marker
// closed once every job queued ahead of it has been written.
type journalJob struct {
	entry   JournalEntry
	flushed chan struct{}
}

// OpenJournal connects to the configured journal database.
func OpenJournal(driver, dsn string, buffer int, log *slog.Logger) (*Journal, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case JournalDriverSQLite:
		dialector = sqlite.Open(dsn)
	case JournalDriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", driver, err)
	}
	return NewJournal(db, buffer, log)
}

// NewJournal migrates the schema and starts the writer.
func NewJournal(db *gorm.DB, buffer int, log *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: database required")
	}
	if err := db.AutoMigrate(&JournalEntry{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	j := &Journal{db: db, logger: log}
	if buffer > 0 {
		j.queue = make(chan journalJob, buffer)
		j.done = make(chan struct{})
		go j.run()
	}
	return j, nil
}

func (j *Journal) run() {
	defer close(j.done)
	for job := range j.queue {
		if job.flushed != nil {
			close(job.flushed)
			continue
		}
		j.write(context.Background(), job.entry)
	}
}

func (j *Journal) write(ctx context.Context, entry JournalEntry) {
	if err := j.Record(ctx, entry); err != nil {
		j.logger.Error("journal write failed",
			slog.String("escrow", entry.EscrowID),
			slog.String("type", entry.Type),
			slog.Any("error", err))
	}
}

// Emit implements events.Emitter.
func (j *Journal) Emit(evt events.Event) {
	if j == nil {
		return
	}
	entry, ok := entryFromEvent(evt)
	if !ok {
		return
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	if j.queue != nil {
		select {
		case j.queue <- journalJob{entry: entry}:
			return
		default:
		}
	}
	j.write(context.Background(), entry)
}

// Flush blocks until every entry queued before the call has been written.
// Entries that overflowed the buffer were written inline by Emit already.
func (j *Journal) Flush(ctx context.Context) error {
	if j == nil {
		return nil
	}
	flushed := make(chan struct{})
	j.mu.RLock()
	if j.closed || j.queue == nil {
		j.mu.RUnlock()
		return nil
	}
	select {
	case j.queue <- journalJob{flushed: flushed}:
	case <-ctx.Done():
		j.mu.RUnlock()
		return ctx.Err()
	}
	j.mu.RUnlock()
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Record inserts entry synchronously.
func (j *Journal) Record(ctx context.Context, entry JournalEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return j.db.WithContext(ctx).Create(&entry).Error
}

// List returns the notifications of an instance in sequence order.
func (j *Journal) List(ctx context.Context, escrowID string) ([]JournalEntry, error) {
	var entries []JournalEntry
	err := j.db.WithContext(ctx).
		Where("escrow_id = ?", escrowID).
		Order("sequence ASC").
		Order("created_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("journal: list %s: %w", escrowID, err)
	}
	return entries, nil
}

// Close drains pending writes and releases the database handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	if j.queue != nil {
		close(j.queue)
	}
	j.mu.Unlock()
	if j.done != nil {
		<-j.done
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func entryFromEvent(evt events.Event) (JournalEntry, bool) {
	payload, ok := evt.(events.Payload)
	if !ok || payload.Event() == nil {
		return JournalEntry{}, false
	}
	data := payload.Event()
	escrowID := data.Attr("escrow")
	if n, ok := evt.(escrow.Notification); ok {
		escrowID = crypto.FormatID(n.EscrowID)
	}
	if escrowID == "" {
		return JournalEntry{}, false
	}
	attrs, err := json.Marshal(data.Attributes)
	if err != nil {
		return JournalEntry{}, false
	}
	return JournalEntry{
		ID:         uuid.New(),
		EscrowID:   escrowID,
		Sequence:   data.Sequence,
		Type:       data.Type,
		Time:       data.Time,
		Attributes: string(attrs),
	}, true
}
