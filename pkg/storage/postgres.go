package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/uhyunpark/swapexec/pkg/order"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// PostgresOption defines connection options for PostgreSQL.
type PostgresOption struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	ConnString string
}

// orderRow is the relational shape of order.Order.
type orderRow struct {
	ID             string              `gorm:"primaryKey;type:varchar(64)"`
	TokenIn        string              `gorm:"type:varchar(50);not null"`
	TokenOut       string              `gorm:"type:varchar(50);not null"`
	Amount         decimal.Decimal     `gorm:"type:decimal;not null"`
	Status         string              `gorm:"type:varchar(20);not null;index"`
	Dex            string              `gorm:"type:varchar(20)"`
	TxHash         string              `gorm:"type:varchar(100)"`
	ExecutionPrice decimal.NullDecimal `gorm:"type:decimal"`
	Error          string              `gorm:"type:text"`
	Attempts       int                 `gorm:"not null;default:0"`
	CreatedAt      time.Time           `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time
}

func (orderRow) TableName() string { return "orders" }

func rowFromOrder(o *order.Order) orderRow {
	row := orderRow{
		ID:        o.ID,
		TokenIn:   o.TokenIn,
		TokenOut:  o.TokenOut,
		Amount:    o.Amount,
		Status:    string(o.Status),
		Dex:       o.Dex,
		TxHash:    o.TxHash,
		Error:     o.Error,
		Attempts:  o.Attempts,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
	if o.ExecutionPrice != nil {
		row.ExecutionPrice = decimal.NewNullDecimal(*o.ExecutionPrice)
	}
	return row
}

func (r orderRow) toOrder() *order.Order {
	o := &order.Order{
		ID:        r.ID,
		TokenIn:   r.TokenIn,
		TokenOut:  r.TokenOut,
		Amount:    r.Amount,
		Status:    order.Status(r.Status),
		Dex:       r.Dex,
		TxHash:    r.TxHash,
		Error:     r.Error,
		Attempts:  r.Attempts,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.ExecutionPrice.Valid {
		p := r.ExecutionPrice.Decimal
		o.ExecutionPrice = &p
	}
	return o
}

// PostgresStore keeps orders in the relational "orders" table. Updates run
// in a transaction holding a row lock (SELECT ... FOR UPDATE).
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore connects and migrates the orders table.
func NewPostgresStore(opt PostgresOption) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(opt.dsn()), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	return NewPostgresStoreFromDB(db)
}

func NewPostgresStoreFromDB(db *gorm.DB) (*PostgresStore, error) {
	if err := db.AutoMigrate(&orderRow{}); err != nil {
		return nil, fmt.Errorf("migrate orders: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o *order.Order) error {
	row := rowFromOrder(o)
	err := s.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return order.ErrDuplicateID
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, id string, c order.Changeset) (*order.Order, error) {
	var next *order.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row orderRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return order.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock order: %w", err)
		}

		cur := row.toOrder()
		if err := c.Check(cur); err != nil {
			return err
		}
		now := time.Now().UTC()
		next = c.Apply(cur, now)

		cols := c.Columns()
		cols["updated_at"] = now
		if err := tx.Model(&orderRow{}).Where("id = ?", id).Updates(cols).Error; err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	var row orderRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, order.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return row.toOrder(), nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, status order.Status, limit int) ([]*order.Order, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []orderRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	out := make([]*order.Order, len(rows))
	for i, r := range rows {
		out[i] = r.toOrder()
	}
	return out, nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (opt PostgresOption) dsn() string {
	if opt.ConnString != "" {
		return opt.ConnString
	}

	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}
	u.RawQuery = url.Values{"sslmode": []string{sslMode}}.Encode()
	return u.String()
}
