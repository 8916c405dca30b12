package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config holds Redis connection settings for the stream log.
type Config struct {
	Addr     string `mapstructure:"addr" yaml:"addr" json:"addr"`
	Password string `mapstructure:"password" yaml:"password" json:"password"`
	DB       int    `mapstructure:"db" yaml:"db" json:"db"`

	PoolSize        int           `mapstructure:"pool_size" yaml:"pool_size" json:"pool_size"`
	MinIdleConns    int           `mapstructure:"min_idle_conns" yaml:"min_idle_conns" json:"min_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
	PoolTimeout     time.Duration `mapstructure:"pool_timeout" yaml:"pool_timeout" json:"pool_timeout"`

	// Transport retries are performed by the client.
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
	MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff" yaml:"min_retry_backoff" json:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff" yaml:"max_retry_backoff" json:"max_retry_backoff"`

	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`

	EnableCluster bool     `mapstructure:"enable_cluster" yaml:"enable_cluster" json:"enable_cluster"`
	ClusterAddrs  []string `mapstructure:"cluster_addrs" yaml:"cluster_addrs" json:"cluster_addrs"`

	EnableSentinel   bool     `mapstructure:"enable_sentinel" yaml:"enable_sentinel" json:"enable_sentinel"`
	SentinelAddrs    []string `mapstructure:"sentinel_addrs" yaml:"sentinel_addrs" json:"sentinel_addrs"`
	SentinelPassword string   `mapstructure:"sentinel_password" yaml:"sentinel_password" json:"sentinel_password"`
	MasterName       string   `mapstructure:"master_name" yaml:"master_name" json:"master_name"`
}

// DefaultConfig returns settings for a local single node.
func DefaultConfig() *Config {
	return &Config{
		Addr: "localhost:6379",

		PoolSize:        50,
		MinIdleConns:    5,
		ConnMaxLifetime: 24 * time.Hour,
		ConnMaxIdleTime: 5 * time.Minute,
		PoolTimeout:     4 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,

		DialTimeout: 5 * time.Second,
		// Reads must outlive the XREADGROUP block interval.
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 500 * time.Millisecond,
	}
}

// Options converts the config to go-redis universal options.
func (c *Config) Options() *redis.UniversalOptions {
	opts := &redis.UniversalOptions{
		Addrs:    []string{c.Addr},
		Password: c.Password,
		DB:       c.DB,

		PoolSize:        c.PoolSize,
		MinIdleConns:    c.MinIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
		PoolTimeout:     c.PoolTimeout,

		MaxRetries:      c.MaxRetries,
		MinRetryBackoff: c.MinRetryBackoff,
		MaxRetryBackoff: c.MaxRetryBackoff,

		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
	}
	switch {
	case c.EnableCluster:
		opts.Addrs = c.ClusterAddrs
		opts.DB = 0
	case c.EnableSentinel:
		opts.Addrs = c.SentinelAddrs
		opts.MasterName = c.MasterName
		opts.SentinelPassword = c.SentinelPassword
	}
	return opts
}

// Client wraps the go-redis client.
type Client struct {
	rdb    redis.UniversalClient
	config *Config
	logger *zap.Logger
}

// NewClient connects and pings Redis.
func NewClient(ctx context.Context, config *Config, logger *zap.Logger) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	rdb := redis.NewUniversalClient(config.Options())

	pingCtx, cancel := context.WithTimeout(ctx, config.DialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis client connected",
		zap.String("addr", config.Addr),
		zap.Int("db", config.DB),
		zap.Int("pool_size", config.PoolSize),
		zap.Bool("cluster_mode", config.EnableCluster),
		zap.Bool("sentinel_mode", config.EnableSentinel))

	return &Client{rdb: rdb, config: config, logger: logger}, nil
}

// GetClient returns the underlying client.
func (c *Client) GetClient() redis.UniversalClient {
	return c.rdb
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the connection pool.
func (c *Client) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}
