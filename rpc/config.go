package rpc

import (
	"time"

	"github.com/brodyxchen/guestrpc/constant"
	"github.com/brodyxchen/guestrpc/statistics"
)

type Config struct {
	// AppName is echoed in the reset acknowledgement so the host can
	// tell which guest application reconnected.
	AppName string

	// MaxDelay caps the poll interval of the callback loop.
	MaxDelay time.Duration

	// ReplyWait bounds how long a command waits for its reply.
	ReplyWait time.Duration

	// MaxRestarts bounds channel restarts after a failure.
	MaxRestarts int

	Metrics *statistics.Metrics
}

func (cfg *Config) GetAppName() string {
	if cfg != nil && cfg.AppName != "" {
		return cfg.AppName
	}
	return "guestrpc"
}

func (cfg *Config) GetMaxDelay() time.Duration {
	if cfg != nil && cfg.MaxDelay > 0 {
		return cfg.MaxDelay
	}
	return constant.PollMaxDelay
}

func (cfg *Config) GetReplyWait() time.Duration {
	if cfg != nil && cfg.ReplyWait > 0 {
		return cfg.ReplyWait
	}
	return constant.ReplyWaitTimeout
}

func (cfg *Config) GetMaxRestarts() int {
	if cfg != nil && cfg.MaxRestarts > 0 {
		return cfg.MaxRestarts
	}
	return constant.MaxChannelRestarts
}

func (cfg *Config) GetMetrics() *statistics.Metrics {
	if cfg != nil {
		return cfg.Metrics
	}
	return nil
}
