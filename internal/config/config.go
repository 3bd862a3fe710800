package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/vango-dev/deltacast/internal/errors"
	"github.com/vango-dev/deltacast/pkg/capture"
	"github.com/vango-dev/deltacast/pkg/protocol"
	"github.com/vango-dev/deltacast/pkg/region"
	"github.com/vango-dev/deltacast/pkg/scheduler"
	"github.com/vango-dev/deltacast/pkg/snapshot"
	"github.com/vango-dev/deltacast/pkg/transport"
)

// DefaultFile is the configuration file name looked up when no path is
// given.
const DefaultFile = "deltacast.yaml"

// Config is the root of the configuration file.
type Config struct {
	Sender   SenderConfig   `yaml:"sender"`
	Receiver ReceiverConfig `yaml:"receiver"`
	Log      LogConfig      `yaml:"log"`

	// path is the file this config was loaded from.
	path string
}

// SenderConfig configures "deltacast send".
type SenderConfig struct {
	// Listen is the UDP address peers connect to.
	Listen string `yaml:"listen"`

	// Admin is the HTTP address of the admin server. Empty disables it.
	Admin string `yaml:"admin"`

	// FPS caps the capture rate while peers are connected.
	FPS int `yaml:"fps"`

	// Chroma is "none", "server" or "client".
	Chroma          string `yaml:"chroma"`
	ChromaThreshold int    `yaml:"chroma_threshold"`

	CoverageThreshold float64  `yaml:"coverage_threshold"`
	MaxRects          int      `yaml:"max_rects"`
	SplitSize         ByteSize `yaml:"split_size"`
	TileSize          int      `yaml:"tile_size"`

	MaxDatagramSize ByteSize `yaml:"max_datagram_size"`
	SocketBuffer    ByteSize `yaml:"socket_buffer"`
	PeerTimeout     Duration `yaml:"peer_timeout"`
	MaxPeers        int      `yaml:"max_peers"`

	// StatusInterval is the period of summary events.
	StatusInterval Duration `yaml:"status_interval"`

	Capture CaptureConfig `yaml:"capture"`
}

// CaptureConfig configures the synthetic capture source.
type CaptureConfig struct {
	Width            int `yaml:"width"`
	Height           int `yaml:"height"`
	FPS              int `yaml:"fps"`
	BoxSize          int `yaml:"box_size"`
	SceneChangeEvery int `yaml:"scene_change_every"`
}

// ReceiverConfig configures "deltacast receive".
type ReceiverConfig struct {
	// Connect is the sender address.
	Connect string `yaml:"connect"`

	// Name is reported to the sender during the handshake.
	Name string `yaml:"name"`

	// Admin is the HTTP address of the admin server. Empty disables it.
	Admin string `yaml:"admin"`

	Heartbeat         Duration `yaml:"heartbeat"`
	ReassemblyTimeout Duration `yaml:"reassembly_timeout"`
	MaxPendingFrames  int      `yaml:"max_pending_frames"`
	SocketBuffer      ByteSize `yaml:"socket_buffer"`

	// StaleCheck discards datagram frames older than the last applied one.
	StaleCheck bool `yaml:"stale_check"`

	StatusInterval Duration `yaml:"status_interval"`

	Snapshot SnapshotConfig `yaml:"snapshot"`
}

// SnapshotConfig configures the periodic PNG recorder. It is disabled
// unless Dir or S3.Bucket is set.
type SnapshotConfig struct {
	Dir       string   `yaml:"dir"`
	Interval  Duration `yaml:"interval"`
	Retention Duration `yaml:"retention"`
	Prefix    string   `yaml:"prefix"`
	S3        S3Config `yaml:"s3"`
}

// S3Config selects an S3 bucket for snapshots.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	syn := capture.DefaultSyntheticConfig()
	norm := region.DefaultConfig()
	return &Config{
		Sender: SenderConfig{
			Listen:            ":9400",
			Admin:             ":9401",
			FPS:               60,
			Chroma:            "none",
			ChromaThreshold:   16,
			CoverageThreshold: norm.CoverageThreshold,
			MaxRects:          norm.MaxRects,
			SplitSize:         ByteSize(norm.SplitBytes),
			TileSize:          norm.TileSize,
			MaxDatagramSize:   transport.DefaultMaxDatagramSize,
			SocketBuffer:      4 << 20,
			PeerTimeout:       Duration(5 * time.Second),
			StatusInterval:    Duration(5 * time.Second),
			Capture: CaptureConfig{
				Width:            syn.Width,
				Height:           syn.Height,
				FPS:              syn.FPS,
				BoxSize:          syn.BoxSize,
				SceneChangeEvery: syn.SceneChangeEvery,
			},
		},
		Receiver: ReceiverConfig{
			Connect:           "127.0.0.1:9400",
			Admin:             ":9402",
			Heartbeat:         Duration(time.Second),
			ReassemblyTimeout: Duration(250 * time.Millisecond),
			MaxPendingFrames:  8,
			SocketBuffer:      4 << 20,
			StaleCheck:        true,
			StatusInterval:    Duration(5 * time.Second),
			Snapshot: SnapshotConfig{
				Interval: Duration(10 * time.Second),
				Prefix:   "frame",
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the file at path on top of Default and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("D100").
				WithDetail(fmt.Sprintf("no file at %s", path)).
				Wrap(err)
		}
		return nil, errors.New("D101").Wrap(err)
	}
	return parse(path, data)
}

// LoadOrDefault loads path, or returns Default when path is empty and
// DefaultFile does not exist in the working directory.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		if _, err := os.Stat(DefaultFile); err != nil {
			return Default(), nil
		}
		path = DefaultFile
	}
	return Load(path)
}

func parse(path string, data []byte) (*Config, error) {
	cfg := Default()
	cfg.path = path

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errors.New("D101").WithLocationFromYAML(path, err).Wrap(err)
	}
	if len(root.Content) == 0 {
		return cfg, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.New("D101").WithLocationFromYAML(path, err).Wrap(err)
	}

	if fe := cfg.check(); fe != nil {
		e := fe.toError()
		if node := lookup(&root, fe.Field); node != nil {
			e.WithLocation(path, node.Line, node.Column)
		}
		return nil, e
	}
	return cfg, nil
}

// Path returns the file the config was loaded from, if any.
func (c *Config) Path() string {
	return c.path
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	if fe := c.check(); fe != nil {
		return fe.toError()
	}
	return nil
}

type fieldError struct {
	Field  string
	Reason string
}

func (fe *fieldError) toError() *errors.Error {
	return errors.New("D102").WithDetail(fe.Field + " " + fe.Reason)
}

func invalid(field, format string, args ...any) *fieldError {
	return &fieldError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (c *Config) check() *fieldError {
	s := &c.Sender
	switch {
	case s.Listen == "":
		return invalid("sender.listen", "must not be empty")
	case s.FPS < 1 || s.FPS > 240:
		return invalid("sender.fps", "must be between 1 and 240, got %d", s.FPS)
	case s.ChromaThreshold < 0 || s.ChromaThreshold > 255:
		return invalid("sender.chroma_threshold", "must be between 0 and 255, got %d", s.ChromaThreshold)
	case s.CoverageThreshold <= 0 || s.CoverageThreshold > 1:
		return invalid("sender.coverage_threshold", "must be in (0, 1], got %g", s.CoverageThreshold)
	case s.MaxRects < 1:
		return invalid("sender.max_rects", "must be positive")
	case s.SplitSize < 1:
		return invalid("sender.split_size", "must be positive")
	case s.TileSize < 16:
		return invalid("sender.tile_size", "must be at least 16, got %d", s.TileSize)
	case s.MaxDatagramSize <= protocol.FragmentHeaderSize || s.MaxDatagramSize > 65535:
		return invalid("sender.max_datagram_size", "must be between %d and 65535 bytes", protocol.FragmentHeaderSize+1)
	case s.PeerTimeout <= 0:
		return invalid("sender.peer_timeout", "must be positive")
	case s.MaxPeers < 0:
		return invalid("sender.max_peers", "must not be negative")
	case s.StatusInterval <= 0:
		return invalid("sender.status_interval", "must be positive")
	case s.Capture.Width < 1 || s.Capture.Height < 1:
		return invalid("sender.capture", "width and height must be positive")
	}
	if _, err := protocol.ParseChromaMode(s.Chroma); err != nil {
		return invalid("sender.chroma", "must be none, server or client, got %q", s.Chroma)
	}

	r := &c.Receiver
	switch {
	case r.Connect == "":
		return invalid("receiver.connect", "must not be empty")
	case r.Heartbeat <= 0:
		return invalid("receiver.heartbeat", "must be positive")
	case r.Heartbeat >= s.PeerTimeout:
		return invalid("receiver.heartbeat", "must be shorter than sender.peer_timeout (%s)", s.PeerTimeout)
	case r.ReassemblyTimeout <= 0:
		return invalid("receiver.reassembly_timeout", "must be positive")
	case r.MaxPendingFrames < 1:
		return invalid("receiver.max_pending_frames", "must be positive")
	case r.StatusInterval <= 0:
		return invalid("receiver.status_interval", "must be positive")
	case r.Snapshot.Interval <= 0:
		return invalid("receiver.snapshot.interval", "must be positive")
	case r.Snapshot.Retention < 0:
		return invalid("receiver.snapshot.retention", "must not be negative")
	case r.Snapshot.Dir != "" && r.Snapshot.S3.Bucket != "":
		return invalid("receiver.snapshot", "set either dir or s3.bucket, not both")
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level", "must be debug, info, warn or error, got %q", c.Log.Level)
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		return invalid("log.format", "must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// lookup finds the node for a dotted key path in a parsed document.
func lookup(root *yaml.Node, path string) *yaml.Node {
	node := root
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	for _, key := range strings.Split(path, ".") {
		if node.Kind != yaml.MappingNode {
			return nil
		}
		var next *yaml.Node
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == key {
				next = node.Content[i+1]
				break
			}
		}
		if next == nil {
			return nil
		}
		node = next
	}
	return node
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(s))
	return l, err
}

// Scheduler returns the scheduler settings for the sender.
func (s SenderConfig) Scheduler() scheduler.Config {
	cfg := scheduler.DefaultConfig()
	s.ApplyTo(&cfg)
	return cfg
}

// ApplyTo copies the reloadable sender settings into cfg: frame rate,
// chroma keying and region tuning.
func (s SenderConfig) ApplyTo(cfg *scheduler.Config) {
	if s.FPS > 0 {
		cfg.FrameInterval = time.Second / time.Duration(s.FPS)
	}
	if mode, err := protocol.ParseChromaMode(s.Chroma); err == nil {
		cfg.ChromaMode = mode
	}
	cfg.ChromaThreshold = uint8(s.ChromaThreshold)
	cfg.Normalizer.CoverageThreshold = s.CoverageThreshold
	cfg.Normalizer.MaxRects = s.MaxRects
	cfg.Normalizer.SplitBytes = int(s.SplitSize)
	cfg.Normalizer.TileSize = s.TileSize
}

// Transport returns the QUIC server settings.
func (s SenderConfig) Transport() *transport.ServerConfig {
	cfg := transport.DefaultServerConfig()
	cfg.Address = s.Listen
	cfg.MaxDatagramSize = int(s.MaxDatagramSize)
	cfg.PeerTimeout = time.Duration(s.PeerTimeout)
	cfg.MaxPeers = s.MaxPeers
	if s.SocketBuffer > 0 {
		cfg.ReadBufferSize = int(s.SocketBuffer)
		cfg.WriteBufferSize = int(s.SocketBuffer)
	}
	return cfg
}

// Synthetic returns the test-pattern source settings.
func (s SenderConfig) Synthetic() capture.SyntheticConfig {
	return capture.SyntheticConfig{
		Width:            s.Capture.Width,
		Height:           s.Capture.Height,
		FPS:              s.Capture.FPS,
		BoxSize:          s.Capture.BoxSize,
		SceneChangeEvery: s.Capture.SceneChangeEvery,
	}
}

// Transport returns the QUIC client settings.
func (r ReceiverConfig) Transport() *transport.ClientConfig {
	cfg := transport.DefaultClientConfig()
	cfg.Name = r.Name
	cfg.HeartbeatInterval = time.Duration(r.Heartbeat)
	cfg.ReassemblyTimeout = time.Duration(r.ReassemblyTimeout)
	cfg.MaxPendingFrames = r.MaxPendingFrames
	if r.SocketBuffer > 0 {
		cfg.ReadBufferSize = int(r.SocketBuffer)
		cfg.WriteBufferSize = int(r.SocketBuffer)
	}
	return cfg
}

// Enabled reports whether a snapshot destination is configured.
func (s SnapshotConfig) Enabled() bool {
	return s.Dir != "" || s.S3.Bucket != ""
}

// Recorder returns the recorder settings.
func (s SnapshotConfig) Recorder() snapshot.RecorderConfig {
	return snapshot.RecorderConfig{
		Interval:  time.Duration(s.Interval),
		Retention: time.Duration(s.Retention),
		Prefix:    s.Prefix,
	}
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Duration is a time.Duration written as "250ms" or "5s" in YAML.
type Duration time.Duration

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Duration returns d as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	v, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

// ByteSize is a byte count written as "1100", "100KiB" or "4MB" in YAML.
type ByteSize int64

// String implements fmt.Stringer.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (any, error) {
	switch {
	case b > 0 && b%(1<<20) == 0:
		return fmt.Sprintf("%dMiB", b>>20), nil
	case b > 0 && b%(1<<10) == 0:
		return fmt.Sprintf("%dKiB", b>>10), nil
	}
	return int64(b), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	v, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	if v > 1<<62 {
		return fmt.Errorf("line %d: size %q too large", value.Line, value.Value)
	}
	*b = ByteSize(v)
	return nil
}
