package mysql

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"spotfleet/pkg/store/mysql/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Datastore wraps GORM DB and provides transaction support
type Datastore struct {
	db *gorm.DB
}

// NewDatastore creates a new MySQL datastore
func NewDatastore(dsn string) (*Datastore, error) {
	ds, err := openDatastore(mysql.Open(dsn))
	if err != nil {
		return nil, err
	}

	sqlDB, err := ds.db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get generic database object: %w", err)
	}

	// Connection pool settings
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	return ds, nil
}

// NewSQLiteDatastore creates a datastore on an embedded SQLite database.
// Used for single-node deployments and tests; writes are serialized on one connection.
func NewSQLiteDatastore(path string) (*Datastore, error) {
	ds, err := openDatastore(sqlite.Open(path))
	if err != nil {
		return nil, err
	}

	sqlDB, err := ds.db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get generic database object: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return ds, nil
}

func openDatastore(dialector gorm.Dialector) (*Datastore, error) {
	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 newLogger,
		SkipDefaultTransaction: true,
		// Unique violations surface as gorm.ErrDuplicatedKey on every dialect
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Datastore{db: db}, nil
}

// Migrate creates or updates every orchestration table.
func (ds *Datastore) Migrate(ctx context.Context) error {
	err := ds.db.WithContext(ctx).AutoMigrate(
		&model.Client{},
		&model.Agent{},
		&model.AgentCommand{},
		&model.Instance{},
		&model.TerminationEvent{},
		&model.Replica{},
		&model.Switch{},
		&model.SavingsSnapshot{},
		&model.PriceSample{},
		&model.CleanupLog{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (ds *Datastore) Close() error {
	sqlDB, err := ds.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction support using context
type contextTxKey struct{}

// ExecTx executes a function within a transaction.
// If ctx already carries a transaction, fn joins it instead of opening a new one.
func (ds *Datastore) ExecTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(contextTxKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return ds.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, contextTxKey{}, tx))
	})
}

// DB returns the GORM DB instance for the current context
// If a transaction is active in the context, it returns the transaction DB
// Otherwise, it returns the main DB
func (ds *Datastore) DB(ctx context.Context) *gorm.DB {
	tx, ok := ctx.Value(contextTxKey{}).(*gorm.DB)
	if ok {
		return tx.WithContext(ctx)
	}
	return ds.db.WithContext(ctx)
}

// GetDB returns the underlying GORM DB instance (for direct access if needed)
func (ds *Datastore) GetDB() *gorm.DB {
	return ds.db
}
