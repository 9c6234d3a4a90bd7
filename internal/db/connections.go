package db

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// Connections holds the optional database and cache connections.
// Either field may be nil when the corresponding feature is disabled.
type Connections struct {
	DB    *gorm.DB
	Redis *RedisClient
}

// NewConnections creates a new Connections instance
func NewConnections(db *gorm.DB, redis *RedisClient) *Connections {
	return &Connections{
		DB:    db,
		Redis: redis,
	}
}

// Close releases whatever connections are open.
func (c *Connections) Close() error {
	var errs []error
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.DB != nil {
		if sqlDB, err := c.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

// PingDB checks the database connection. It returns nil when no database is configured.
func (c *Connections) PingDB(ctx context.Context) error {
	if c.DB == nil {
		return nil
	}
	sqlDB, err := c.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
