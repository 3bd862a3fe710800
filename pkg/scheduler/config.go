package scheduler

import (
	"time"

	"github.com/vango-dev/deltacast/pkg/protocol"
	"github.com/vango-dev/deltacast/pkg/region"
)

// Config configures a Scheduler.
type Config struct {
	// FrameInterval is the minimum time between two polls while peers are
	// connected. Default: 1/60 s.
	FrameInterval time.Duration

	// IdleInterval is the sleep between peer checks while nobody is
	// connected. Default: 1/60 s.
	IdleInterval time.Duration

	// PollTimeout bounds one capture poll. Default: 8ms.
	PollTimeout time.Duration

	// FailureBackoff is the pause after a capture failure. Default: 100ms.
	FailureBackoff time.Duration

	// StopTimeout bounds the wait for the loop in Stop. Default: 2s.
	StopTimeout time.Duration

	// ChromaMode and ChromaThreshold are advertised in every packet. With
	// ChromaServerSide the sender keys the pixels itself.
	ChromaMode      protocol.ChromaMode
	ChromaThreshold uint8

	// Normalizer tunes dirty-rectangle escalation and tiling.
	Normalizer region.Config
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		FrameInterval:  time.Second / 60,
		IdleInterval:   time.Second / 60,
		PollTimeout:    8 * time.Millisecond,
		FailureBackoff: 100 * time.Millisecond,
		StopTimeout:    2 * time.Second,
		Normalizer:     region.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FrameInterval <= 0 {
		c.FrameInterval = def.FrameInterval
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = def.IdleInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = def.PollTimeout
	}
	if c.FailureBackoff <= 0 {
		c.FailureBackoff = def.FailureBackoff
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
	}
	if !c.ChromaMode.Valid() {
		c.ChromaMode = protocol.ChromaNone
	}
	return c
}
