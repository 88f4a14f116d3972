// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

type Config struct {
	Env                  string        `envconfig:"EFDM_ENV" default:"development"`
	Port                 int           `envconfig:"PORT" default:"8081"`
	DatabaseURL          string        `envconfig:"DATABASE_URL" default:"postgres://localhost/efdm?sslmode=disable"`
	RedisURL             string        `envconfig:"REDIS_URL"`
	StoreDriver          string        `envconfig:"STORE_DRIVER" default:"postgres"`
	BadgerPath           string        `envconfig:"BADGER_PATH" default:"./data/efdm"`
	JWTSecret            string        `envconfig:"JWT_SECRET" required:"true"`
	JWTIssuer            string        `envconfig:"JWT_ISSUER" default:"efchat"`
	AllowedOrigins       []string      `envconfig:"ALLOWED_ORIGINS" default:"https://efchat.net,https://app.efchat.net,http://localhost:3000"`
	MaxMessageLength     int           `envconfig:"MAX_MESSAGE_LENGTH" default:"4000"`
	SendBuffer           int           `envconfig:"SEND_BUFFER" default:"256"`
	AggregateConcurrency int           `envconfig:"AGGREGATE_CONCURRENCY" default:"8"`
	LogLevel             string        `envconfig:"LOG_LEVEL" default:"INFO"`
	ShutdownTimeout      time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Load reads .env outside release mode, then the process environment.
func Load() (*Config, error) {
	if os.Getenv("EFDM_ENV") != "release" {
		if err := godotenv.Load("./.env"); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("couldn't load env vars: %v", err)
		}
	}

	c := &Config{}
	if err := envconfig.Process("", c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("JWT_SECRET is required")
	}
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	case DriverBadger:
		if c.BadgerPath == "" {
			return errors.New("BADGER_PATH is required for the badger store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q (want %s or %s)", c.StoreDriver, DriverPostgres, DriverBadger)
	}
	if c.MaxMessageLength < 1 {
		return fmt.Errorf("MAX_MESSAGE_LENGTH must be positive, got %d", c.MaxMessageLength)
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
