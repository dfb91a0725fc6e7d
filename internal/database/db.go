// Package database opens the two handles the core needs against the same
// Postgres instance: a *gorm.DB for the model layer and a raw *sql.DB
// (NewDB) for hand-written SQL. The whatsmeow device store does not use
// either; it opens its own connection from its store URL.
package database

import (
	"database/sql"
	"log"
	"time"

	_ "github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/wacore-labs/runtime/internal/models"
)

// DB wraps *sql.DB and provides helper constructor.
type DB struct {
	*sql.DB
}

// NewDB opens a raw connection and returns *DB.
func NewDB(connStr string) *DB {
	if connStr == "" {
		log.Fatal("❌ DATABASE_URL is empty")
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Fatalf("❌ failed to open db: %v", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(60 * time.Minute)

	if err := db.Ping(); err != nil {
		log.Fatalf("❌ failed to ping db: %v", err)
	}

	log.Println("✅ Database connected!")
	return &DB{DB: db}
}

func (db *DB) Close() error {
	log.Println("🔌 Closing database connection...")
	return db.DB.Close()
}

// NewGormDB opens the GORM connection the model/repository layer uses.
func NewGormDB(connStr string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(connStr), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(60 * time.Minute)

	log.Println("✅ GORM database connected!")
	return gdb, nil
}

// AutoMigrate creates/updates the core's tables. Production deploys use
// cmd/migrate instead; this is for local/dev bring-up.
func AutoMigrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.Organization{},
		&models.WhatsAppNumber{},
		&models.Contact{},
		&models.Conversation{},
		&models.ConversationWindow{},
		&models.Message{},
		&models.Flow{},
		&models.Node{},
		&models.AdminAction{},
	)
}
