package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

var (
	ErrStockExhausted  = domain.ErrStockExhausted
	ErrProductNotFound = domain.ErrProductNotFound
	ErrOrderNotFound   = errors.New("order not found")

	errDuplicateJob = errors.New("job already committed")
)

//go:embed migrations
var migrationsFS embed.FS

const committedJobsChunk = 500

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

func (s *SQLStore) RunMigrations() error {
	src, err := iofs.New(migrationsFS, "migrations/"+string(s.dialect))
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	var driver database.Driver
	switch s.dialect {
	case DialectMySQL:
		driver, err = migratemysql.WithInstance(s.db, &migratemysql.Config{})
	case DialectPostgres:
		driver, err = migratepostgres.WithInstance(s.db, &migratepostgres.Config{})
	default:
		driver, err = migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	}
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(s.dialect), driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}

	return nil
}

func (s *SQLStore) CommitReservation(ctx context.Context, job domain.ReservationJob) (domain.CommitResult, error) {
	result, err := s.commitReservation(ctx, job)
	if errors.Is(err, errDuplicateJob) {
		// lost an insert race against another delivery of the same job
		return s.committedResult(ctx, s.db, job)
	}
	return result, err
}

func (s *SQLStore) commitReservation(ctx context.Context, job domain.ReservationJob) (domain.CommitResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.CommitResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := s.committedResult(ctx, tx, job)
	if err == nil {
		return result, tx.Commit()
	}
	if !errors.Is(err, ErrOrderNotFound) {
		return domain.CommitResult{}, err
	}

	now := s.now().UTC().Truncate(time.Microsecond)

	res, err := tx.ExecContext(ctx, s.dialect.rebind(`
		UPDATE products
		SET stock = stock - ?, version = version + 1, updated_at = ?
		WHERE id = ? AND stock >= ?`),
		job.Quantity, now, job.ProductID, job.Quantity,
	)
	if err != nil {
		return domain.CommitResult{}, fmt.Errorf("update stock: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return domain.CommitResult{}, fmt.Errorf("update stock: %w", err)
	}
	if rows == 0 {
		if _, _, err := s.stockOf(ctx, tx, job.ProductID); err != nil {
			return domain.CommitResult{}, err
		}
		return domain.CommitResult{}, ErrStockExhausted
	}

	stock, version, err := s.stockOf(ctx, tx, job.ProductID)
	if err != nil {
		return domain.CommitResult{}, err
	}

	order := domain.Order{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		ProductID: job.ProductID,
		Quantity:  job.Quantity,
		Status:    domain.OrderStatusCompleted,
		CreatedAt: now,
	}

	_, err = tx.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO orders (id, job_id, product_id, quantity, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		order.ID, order.JobID, order.ProductID, order.Quantity, order.Status, order.CreatedAt,
	)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return domain.CommitResult{}, errDuplicateJob
		}
		return domain.CommitResult{}, fmt.Errorf("insert order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.CommitResult{}, fmt.Errorf("commit: %w", err)
	}

	return domain.CommitResult{Order: order, Stock: stock, Version: version}, nil
}

func (s *SQLStore) committedResult(ctx context.Context, q querier, job domain.ReservationJob) (domain.CommitResult, error) {
	order, err := s.orderByJob(ctx, q, job.ID)
	if err != nil {
		return domain.CommitResult{}, err
	}

	stock, version, err := s.stockOf(ctx, q, order.ProductID)
	if err != nil {
		return domain.CommitResult{}, err
	}

	return domain.CommitResult{Order: order, Stock: stock, Version: version, Duplicate: true}, nil
}

func (s *SQLStore) orderByJob(ctx context.Context, q querier, jobID string) (domain.Order, error) {
	var order domain.Order
	var createdAt sqlTime
	err := q.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT id, job_id, product_id, quantity, status, created_at
		FROM orders WHERE job_id = ?`), jobID,
	).Scan(&order.ID, &order.JobID, &order.ProductID, &order.Quantity, &order.Status, &createdAt)

	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("query order: %w", err)
	}

	order.CreatedAt = createdAt.Time
	return order, nil
}

// stockOf reads stock and its version together so callers can order
// snapshots of the same product.
func (s *SQLStore) stockOf(ctx context.Context, q querier, productID string) (stock, version int64, err error) {
	err = q.QueryRowContext(ctx, s.dialect.rebind(`SELECT stock, version FROM products WHERE id = ?`), productID).Scan(&stock, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("query stock: %w", err)
	}
	return stock, version, nil
}

func (s *SQLStore) CommittedJobs(ctx context.Context, jobIDs []string) (map[string]bool, error) {
	committed := make(map[string]bool)

	for start := 0; start < len(jobIDs); start += committedJobsChunk {
		end := min(start+committedJobsChunk, len(jobIDs))
		chunk := jobIDs[start:end]

		args := make([]interface{}, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")

		rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
			`SELECT job_id FROM orders WHERE job_id IN (`+placeholders+`)`), args...)
		if err != nil {
			return nil, fmt.Errorf("query committed jobs: %w", err)
		}

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan committed job: %w", err)
			}
			committed[id] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("row iteration error: %w", err)
		}
	}

	return committed, nil
}

func (s *SQLStore) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, stock, version, price, created_at, updated_at
		FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		var p domain.Product
		var createdAt, updatedAt sqlTime
		if err := rows.Scan(&p.ID, &p.Name, &p.Stock, &p.Version, &p.Price, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		p.CreatedAt, p.UpdatedAt = createdAt.Time, updatedAt.Time
		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return products, nil
}

func (s *SQLStore) ListOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT id, job_id, product_id, quantity, status, created_at
		FROM orders ORDER BY created_at DESC, id LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var o domain.Order
		var createdAt sqlTime
		if err := rows.Scan(&o.ID, &o.JobID, &o.ProductID, &o.Quantity, &o.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.CreatedAt = createdAt.Time
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return orders, nil
}

func (s *SQLStore) UpsertProduct(ctx context.Context, p domain.Product) error {
	if p.Stock < 0 {
		return fmt.Errorf("negative stock for product %s", p.ID)
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	_, err := s.db.ExecContext(ctx, s.dialect.upsertProductQuery(),
		p.ID, p.Name, p.Stock, p.Price, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}

	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
