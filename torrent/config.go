package torrent

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	// MaxPeers bounds how many peer connections run at once.
	MaxPeers int
	// MaxRetries is how many hash mismatches a piece may have before the
	// download is aborted.
	MaxRetries     int
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	PipelineDepth  int
	// DialRate paces new connections, in dials per second.
	DialRate     rate.Limit
	ShowProgress bool
	Logger       zerolog.Logger
	// OnPiece is called after each verified piece, from the peer's goroutine.
	OnPiece func(index, done, total int)
}

func DefaultConfig() Config {
	return Config{
		MaxPeers:       30,
		MaxRetries:     3,
		DialTimeout:    5 * time.Second,
		RequestTimeout: 30 * time.Second,
		PipelineDepth:  5,
		DialRate:       rate.Inf,
		Logger:         zerolog.Nop(),
	}
}

type Option func(*Config)

func WithMaxPeers(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxPeers = n
		}
	}
}

func WithMaxRetries(n int) Option {
	return func(c *Config) {
		if n >= 0 {
			c.MaxRetries = n
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.DialTimeout = d
		}
	}
}

// WithRequestTimeout bounds every wait on a peer, including each whole piece.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.RequestTimeout = d
		}
	}
}

func WithPipelineDepth(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.PipelineDepth = n
		}
	}
}

func WithDialRate(perSecond float64) Option {
	return func(c *Config) {
		if perSecond > 0 {
			c.DialRate = rate.Limit(perSecond)
		}
	}
}

func WithProgress(show bool) Option {
	return func(c *Config) {
		c.ShowProgress = show
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

func WithOnPiece(fn func(index, done, total int)) Option {
	return func(c *Config) {
		c.OnPiece = fn
	}
}
