package bootstrap

import (
	"github.com/praxisline/agentd/common/config"
	"github.com/praxisline/agentd/common/logger"
)

// Option configures the bootstrap process
type Option func(*options)

type options struct {
	skipDB       bool
	skipRedis    bool
	customLogger *logger.Logger
	customConfig *config.Config
}

func defaultOptions() *options {
	return &options{}
}

// WithoutDB skips database initialization
func WithoutDB() Option {
	return func(o *options) {
		o.skipDB = true
	}
}

// WithoutRedis skips redis initialization
func WithoutRedis() Option {
	return func(o *options) {
		o.skipRedis = true
	}
}

// WithLogger supplies a pre-built logger
func WithLogger(l *logger.Logger) Option {
	return func(o *options) {
		o.customLogger = l
	}
}

// WithConfig supplies a pre-built config, bypassing environment loading
func WithConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.customConfig = cfg
	}
}
