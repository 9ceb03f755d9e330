package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	sqliteGo "github.com/mattn/go-sqlite3"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const CustomDriverName = "sqlite3_extended"

const DefaultFile = "attachments.db"

var (
	ErrRecordNotFound = gorm.ErrRecordNotFound
	ErrNoDatabase     = errors.New("database file does not exist")
)

func init() {
	sql.Register(CustomDriverName,
		&sqliteGo.SQLiteDriver{
			ConnectHook: func(conn *sqliteGo.SQLiteConn) error {
				if _, err := conn.Exec("PRAGMA foreign_keys = ON", nil); err != nil {
					return err
				}
				return conn.RegisterFunc(
					"gen_random_uuid",
					func(arguments ...interface{}) (string, error) {
						u, err := uuid.NewRandom()
						if err != nil {
							return "", err
						}
						return u.String(), nil
					},
					false,
				)
			},
		},
	)
}

// NewDb opens the sqlite file and migrates the schema. logLevel is passed
// through to gorm; use logger.Silent in tests.
func NewDb(file string, logLevel logger.LogLevel) (*gorm.DB, error) {
	db, err := open(file, logLevel)
	if err != nil {
		return nil, err
	}
	return db, db.AutoMigrate(&User{}, &Professional{}, &Consultation{}, &Category{}, &File{})
}

// OpenDb opens an existing sqlite file as it is. Unlike NewDb it never
// creates the file or changes its schema.
func OpenDb(file string, logLevel logger.LogLevel) (*gorm.DB, error) {
	info, err := os.Stat(file)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrNoDatabase, file)
	case err != nil:
		return nil, err
	case info.IsDir():
		return nil, fmt.Errorf("%w: %s is a directory", ErrNoDatabase, file)
	}
	return open(file, logLevel)
}

func open(file string, logLevel logger.LogLevel) (*gorm.DB, error) {
	conn, err := sql.Open(CustomDriverName, file)
	if err != nil {
		return nil, err
	}
	// sqlite serialises writers anyway, a single connection avoids SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	return gorm.Open(sqlite.Dialector{
		DriverName: CustomDriverName,
		DSN:        file,
		Conn:       conn,
	}, &gorm.Config{
		Logger:                   logger.Default.LogMode(logLevel),
		SkipDefaultTransaction:   true,
		DisableNestedTransaction: true,
	})
}
