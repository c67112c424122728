// Copyright 2022 Stock Parfait

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config reads the datahub configuration file.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/stockparfait/datahub/gateway"
	"github.com/stockparfait/datahub/reader"
	"github.com/stockparfait/datahub/store"
	"github.com/stockparfait/errors"
)

// Environment variables overriding the config file.
const (
	TokenEnv = "DATAHUB_TOKEN"
	DSNEnv   = "DATAHUB_DSN"
)

// Sample config printed when the config file is missing.
const Sample = `[provider]
token = "YourSecretProviderToken"

[gateway]
min_interval = "150ms"
cooldown = "10s"
calls_per_minute = 500

[store]
driver = "postgres"
dsn = "host=localhost user=datahub dbname=datahub sslmode=disable"

[server]
addr = ":8080"
`

// Duration is a time.Duration written as a string, e.g. "1m30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Annotate(err, "invalid duration '%s'", string(text))
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Provider struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

type Gateway struct {
	MinInterval    *Duration `toml:"min_interval"`
	Cooldown       *Duration `toml:"cooldown"`
	BatchCalls     *int      `toml:"batch_calls"` // 0 disables the batch cooldown
	CallsPerMinute int       `toml:"calls_per_minute"`
	PageSize       int       `toml:"page_size"`
	MaxPages       int       `toml:"max_pages"`
}

type Reader struct {
	Workers   int `toml:"workers"`
	ChunkDays int `toml:"chunk_days"`
}

type Server struct {
	Addr string `toml:"addr"`
}

// Config of the datahub.
type Config struct {
	Provider Provider     `toml:"provider"`
	Gateway  Gateway      `toml:"gateway"`
	Store    store.Config `toml:"store"`
	Reader   Reader       `toml:"reader"`
	Server   Server       `toml:"server"`
}

// GatewayConfig converts the gateway section into gateway.Config, with the
// defaults for the unset values.
func (c *Config) GatewayConfig() gateway.Config {
	res := gateway.DefaultConfig()
	g := c.Gateway
	if g.MinInterval != nil {
		res.MinInterval = g.MinInterval.Duration
	}
	if g.Cooldown != nil {
		res.Cooldown = g.Cooldown.Duration
	}
	if g.BatchCalls != nil {
		res.BatchCalls = *g.BatchCalls
	}
	res.CallsPerMinute = g.CallsPerMinute
	if g.PageSize > 0 {
		res.PageSize = g.PageSize
	}
	if g.MaxPages > 0 {
		res.MaxPages = g.MaxPages
	}
	return res
}

// setDefaults fills in the unset values.
func (c *Config) setDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = store.DriverPostgres
	}
	if c.Store.WriteBatch <= 0 {
		c.Store.WriteBatch = store.DefaultWriteBatch
	}
	if c.Reader.Workers <= 0 {
		c.Reader.Workers = reader.DefaultWorkers
	}
	if c.Reader.ChunkDays <= 0 {
		c.Reader.ChunkDays = reader.DefaultChunkDays
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
}

// DefaultPath of the config file.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".stockparfait", "datahub", "config.toml")
}

// Load the config file. A .env file in the same directory, if present, is
// loaded into the environment first, and the environment overrides the
// provider token and the store DSN.
func Load(filePath string) (*Config, error) {
	if _, err := os.Stat(filePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Annotate(err,
				"config file '%s' does not exist.\nPlease create config file containing:\n%s",
				filePath, Sample)
		}
		return nil, errors.Annotate(err,
			"cannot check config file for existence: '%s'", filePath)
	}
	envPath := filepath.Join(filepath.Dir(filePath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, errors.Annotate(err, "failed to load %s", envPath)
		}
	}

	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Annotate(err, "failed to open config file %s", filePath)
	}
	defer f.Close()

	d := toml.NewDecoder(f)
	d.DisallowUnknownFields()
	var c Config
	if err := d.Decode(&c); err != nil {
		return nil, errors.Annotate(err, "failed to read config file %s", filePath)
	}
	if v := os.Getenv(TokenEnv); v != "" {
		c.Provider.Token = v
	}
	if v := os.Getenv(DSNEnv); v != "" {
		c.Store.DSN = v
	}
	if c.Provider.Token == "" {
		return nil, errors.Reason("provider token is not set in %s or $%s",
			filePath, TokenEnv)
	}
	c.setDefaults()
	return &c, nil
}
