package receipts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lendhelper/crypto"
	"lendhelper/native/helper"
)

// Receipt statuses.
const (
	StatusSettled  = "settled"
	StatusReverted = "reverted"
)

const defaultListLimit = 50

var ErrNotFound = errors.New("receipts: not found")

// Receipt is the durable record of one composite helper call.
type Receipt struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	Operation   string    `gorm:"size:32;index" json:"operation"`
	Caller      string    `gorm:"size:128;index" json:"caller"`
	Status      string    `gorm:"size:16;index" json:"status"`
	FailureKind string    `gorm:"size:32" json:"failureKind,omitempty"`
	FailedStep  string    `gorm:"size:16" json:"failedStep,omitempty"`
	Market      string    `gorm:"size:128" json:"market,omitempty"`
	Reason      string    `gorm:"type:text" json:"reason,omitempty"`
	StateRoot   string    `gorm:"size:66" json:"stateRoot,omitempty"`
	Steps       string    `gorm:"type:text" json:"-"`
	CreatedAt   time.Time `gorm:"index" json:"createdAt"`
}

// StepRecord is the serialised form of one applied step.
type StepRecord struct {
	Kind   string `json:"kind"`
	Market string `json:"market"`
	Amount string `json:"amount,omitempty"`
	Shares string `json:"shares,omitempty"`
}

// FromResult builds a receipt for a finished call. err is the call's error,
// nil when it settled.
func FromResult(op helper.Operation, caller crypto.Address, result *helper.Result, err error, now time.Time) (*Receipt, error) {
	receipt := &Receipt{
		ID:        uuid.NewString(),
		Operation: string(op),
		Caller:    caller.String(),
		Status:    StatusSettled,
		CreatedAt: now.UTC(),
	}
	if result != nil {
		receipt.StateRoot = result.StateRoot
		steps := make([]StepRecord, 0, len(result.Steps))
		for _, step := range result.Steps {
			rec := StepRecord{Kind: string(step.Kind), Market: step.Market.String()}
			if step.Amount != nil {
				rec.Amount = step.Amount.String()
			}
			if step.Shares != nil {
				rec.Shares = step.Shares.String()
			}
			steps = append(steps, rec)
		}
		encoded, marshalErr := json.Marshal(steps)
		if marshalErr != nil {
			return nil, fmt.Errorf("encode steps: %w", marshalErr)
		}
		receipt.Steps = string(encoded)
	}
	if err != nil {
		receipt.Status = StatusReverted
		receipt.FailureKind = string(helper.KindOf(err))
		receipt.Reason = helper.ReasonOf(err)
		var helperErr *helper.Error
		if errors.As(err, &helperErr) {
			receipt.FailedStep = string(helperErr.Step)
			if !helperErr.Market.IsZero() {
				receipt.Market = helperErr.Market.String()
			}
		}
	}
	return receipt, nil
}

// StepList decodes the stored steps.
func (r *Receipt) StepList() ([]StepRecord, error) {
	if r == nil || r.Steps == "" {
		return nil, nil
	}
	var steps []StepRecord
	if err := json.Unmarshal([]byte(r.Steps), &steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	return steps, nil
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Caller    string
	Operation string
	Status    string
	Before    time.Time
	Limit     int
	Offset    int
}

// Store persists receipts through gorm.
type Store struct {
	db *gorm.DB
}

// Open connects to the receipt database. driver is "sqlite" or "postgres".
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("receipts: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("receipts: open %s: %w", driver, err)
	}
	return NewStore(db)
}

// NewStore wraps db and migrates the schema.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("receipts: nil database")
	}
	if err := db.AutoMigrate(&Receipt{}); err != nil {
		return nil, fmt.Errorf("receipts: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Save inserts receipt.
func (s *Store) Save(ctx context.Context, receipt *Receipt) error {
	if receipt == nil {
		return fmt.Errorf("receipts: nil receipt")
	}
	if err := s.db.WithContext(ctx).Create(receipt).Error; err != nil {
		return fmt.Errorf("receipts: save %s: %w", receipt.ID, err)
	}
	return nil
}

// Get returns the receipt with id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Receipt, error) {
	var receipt Receipt
	err := s.db.WithContext(ctx).First(&receipt, "id = ?", strings.TrimSpace(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("receipts: get %s: %w", id, err)
	}
	return &receipt, nil
}

// List returns receipts newest first.
func (s *Store) List(ctx context.Context, filter Filter) ([]Receipt, error) {
	query := s.db.WithContext(ctx).Model(&Receipt{})
	if filter.Caller != "" {
		query = query.Where("caller = ?", filter.Caller)
	}
	if filter.Operation != "" {
		query = query.Where("operation = ?", filter.Operation)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if !filter.Before.IsZero() {
		query = query.Where("created_at < ?", filter.Before.UTC())
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	var out []Receipt
	if err := query.Order("created_at DESC").Order("id").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("receipts: list: %w", err)
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
