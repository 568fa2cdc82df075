package celltalk

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/glycerine/celltalk/crypt"
	"github.com/glycerine/celltalk/frame"
)

var sep = string(os.PathSeparator)

// default stream markers; each frame on the wire is
// HeadMark + payload + TailMark.
var DefaultHeadMark = []byte{0x20, 0x10, 0x11, 0x10}
var DefaultTailMark = []byte{0x19, 0x78, 0x10, 0x04}

// Config covers the Acceptor, its workers, the Connector,
// and the talk layer above them. Get one from NewConfig and
// adjust; the zero value is not usable.
type Config struct {

	// BindAddr is host:port for the Acceptor. Port 0 picks a free port.
	BindAddr string

	// BlockSize is the read buffer size per session read.
	BlockSize int

	// MaxConnections caps live accepted sessions; excess
	// connections are accepted and closed at once.
	MaxConnections int

	// WorkerCount is the number of worker goroutines.
	WorkerCount int

	// ReadInterval and WriteInterval are the shortest time
	// between two services of one session. 0 means no limit.
	ReadInterval  time.Duration
	WriteInterval time.Duration

	// WorkerQuota is bytes per QuotaRefill each worker may
	// write before blocking. 0 means unlimited.
	WorkerQuota int64
	QuotaRefill time.Duration

	// WriteBatch is how many queued messages one write
	// service sends before yielding.
	WriteBatch int

	// WriteTimeout bounds a single socket write.
	WriteTimeout time.Duration

	ConnectTimeout time.Duration

	// PollInterval is how long the Connector blocks in a read
	// before it checks for shutdown.
	PollInterval time.Duration

	// HeadMark and TailMark delimit frames. If either is
	// empty, framing is off and every read chunk is a message.
	HeadMark []byte
	TailMark []byte

	// MaxFrameCache bounds the bytes held waiting for a tail marker.
	MaxFrameCache int

	// Cipher names the transform used once a session has a
	// secret key: "chacha" (default), "ascon", or "xor".
	Cipher string

	// talk layer

	SessionTimeout    time.Duration
	HandshakeTimeout  time.Duration
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration

	// gateway options consumed by sibling HTTP/WebSocket
	// front ends; carried here, not acted on.
	HTTPEnabled      bool
	HTTPPort         int
	WebSocketEnabled bool
	WebSocketPort    int

	// Verbose logs lifecycle events and errors.
	Verbose bool
}

func NewConfig() *Config {
	return &Config{
		BindAddr:          "0.0.0.0:7000",
		BlockSize:         8192,
		MaxConnections:    8192,
		WorkerCount:       2,
		QuotaRefill:       time.Second,
		WriteBatch:        2,
		WriteTimeout:      10 * time.Second,
		ConnectTimeout:    10 * time.Second,
		PollInterval:      100 * time.Millisecond,
		HeadMark:          append([]byte{}, DefaultHeadMark...),
		TailMark:          append([]byte{}, DefaultTailMark...),
		MaxFrameCache:     frame.DefaultMaxCache,
		Cipher:            crypt.Default,
		SessionTimeout:    15 * time.Minute,
		HandshakeTimeout:  20 * time.Second,
		SweepInterval:     time.Second,
		HeartbeatInterval: 2 * time.Minute,
		HTTPPort:          7070,
		WebSocketPort:     7080,
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	cp := *c
	cp.HeadMark = append([]byte{}, c.HeadMark...)
	cp.TailMark = append([]byte{}, c.TailMark...)
	return &cp
}

// Framed reports whether head/tail framing is on.
func (c *Config) Framed() bool {
	return len(c.HeadMark) > 0 && len(c.TailMark) > 0
}

func (c *Config) Validate() error {
	if c.BlockSize <= 0 {
		return fmt.Errorf("config: BlockSize must be positive, not %v", c.BlockSize)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("config: MaxConnections must be positive, not %v", c.MaxConnections)
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("config: WorkerCount must be positive, not %v", c.WorkerCount)
	}
	if c.WriteBatch <= 0 {
		return fmt.Errorf("config: WriteBatch must be positive, not %v", c.WriteBatch)
	}
	if c.ReadInterval < 0 || c.WriteInterval < 0 {
		return fmt.Errorf("config: negative service interval")
	}
	if c.WorkerQuota < 0 {
		return fmt.Errorf("config: negative WorkerQuota %v", c.WorkerQuota)
	}
	// these drive tickers, read deadlines and reaping.
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"PollInterval", c.PollInterval},
		{"SessionTimeout", c.SessionTimeout},
		{"HandshakeTimeout", c.HandshakeTimeout},
		{"SweepInterval", c.SweepInterval},
	} {
		if d.val <= 0 {
			return fmt.Errorf("config: %v must be positive, not %v", d.name, d.val)
		}
	}
	if c.WriteTimeout < 0 || c.ConnectTimeout < 0 || c.QuotaRefill < 0 || c.HeartbeatInterval < 0 {
		return fmt.Errorf("config: negative timeout or interval")
	}
	if !crypt.Known(c.Cipher) {
		return fmt.Errorf("config: unknown Cipher '%v'", c.Cipher)
	}
	if len(c.HeadMark) > 0 && len(c.TailMark) == 0 ||
		len(c.HeadMark) == 0 && len(c.TailMark) > 0 {
		return fmt.Errorf("config: HeadMark and TailMark must be set together")
	}
	return nil
}

// fileConfig is the on-disk form: durations as strings
// like "15m", markers as hex.
type fileConfig struct {
	BindAddr          string `json:"bind_addr,omitempty"`
	BlockSize         int    `json:"block_size,omitempty"`
	MaxConnections    int    `json:"max_connections,omitempty"`
	WorkerCount       int    `json:"worker_count,omitempty"`
	ReadInterval      string `json:"read_interval,omitempty"`
	WriteInterval     string `json:"write_interval,omitempty"`
	WorkerQuota       int64  `json:"worker_quota,omitempty"`
	QuotaRefill       string `json:"quota_refill,omitempty"`
	WriteBatch        int    `json:"write_batch,omitempty"`
	WriteTimeout      string `json:"write_timeout,omitempty"`
	ConnectTimeout    string `json:"connect_timeout,omitempty"`
	PollInterval      string `json:"poll_interval,omitempty"`
	HeadMark          string `json:"head_mark,omitempty"`
	TailMark          string `json:"tail_mark,omitempty"`
	MaxFrameCache     int    `json:"max_frame_cache,omitempty"`
	Cipher            string `json:"cipher,omitempty"`
	SessionTimeout    string `json:"session_timeout,omitempty"`
	HandshakeTimeout  string `json:"handshake_timeout,omitempty"`
	SweepInterval     string `json:"sweep_interval,omitempty"`
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
	HTTPEnabled       bool   `json:"http_enabled,omitempty"`
	HTTPPort          int    `json:"http_port,omitempty"`
	WebSocketEnabled  bool   `json:"websocket_enabled,omitempty"`
	WebSocketPort     int    `json:"websocket_port,omitempty"`
	Verbose           bool   `json:"verbose,omitempty"`
}

// LoadConfig reads a JSON config file. Fields absent from
// the file keep their NewConfig defaults.
func LoadConfig(path string) (*Config, error) {
	by, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(by)
}

func ParseConfig(by []byte) (*Config, error) {
	var fc fileConfig
	if err := json.Unmarshal(by, &fc); err != nil {
		return nil, fmt.Errorf("config: bad JSON: %w", err)
	}
	c := NewConfig()
	if fc.BindAddr != "" {
		c.BindAddr = fc.BindAddr
	}
	setInt(&c.BlockSize, fc.BlockSize)
	setInt(&c.MaxConnections, fc.MaxConnections)
	setInt(&c.WorkerCount, fc.WorkerCount)
	setInt(&c.WriteBatch, fc.WriteBatch)
	setInt(&c.MaxFrameCache, fc.MaxFrameCache)
	if fc.WorkerQuota != 0 {
		c.WorkerQuota = fc.WorkerQuota
	}
	if fc.Cipher != "" {
		c.Cipher = fc.Cipher
	}
	durs := []struct {
		dst *time.Duration
		src string
	}{
		{&c.ReadInterval, fc.ReadInterval},
		{&c.WriteInterval, fc.WriteInterval},
		{&c.QuotaRefill, fc.QuotaRefill},
		{&c.WriteTimeout, fc.WriteTimeout},
		{&c.ConnectTimeout, fc.ConnectTimeout},
		{&c.PollInterval, fc.PollInterval},
		{&c.SessionTimeout, fc.SessionTimeout},
		{&c.HandshakeTimeout, fc.HandshakeTimeout},
		{&c.SweepInterval, fc.SweepInterval},
		{&c.HeartbeatInterval, fc.HeartbeatInterval},
	}
	for _, d := range durs {
		if d.src == "" {
			continue
		}
		v, err := time.ParseDuration(d.src)
		if err != nil {
			return nil, fmt.Errorf("config: bad duration '%v': %w", d.src, err)
		}
		*d.dst = v
	}
	var err error
	if c.HeadMark, err = parseMark(fc.HeadMark, c.HeadMark); err != nil {
		return nil, fmt.Errorf("config: bad head_mark: %w", err)
	}
	if c.TailMark, err = parseMark(fc.TailMark, c.TailMark); err != nil {
		return nil, fmt.Errorf("config: bad tail_mark: %w", err)
	}
	c.HTTPEnabled = fc.HTTPEnabled
	setInt(&c.HTTPPort, fc.HTTPPort)
	c.WebSocketEnabled = fc.WebSocketEnabled
	setInt(&c.WebSocketPort, fc.WebSocketPort)
	c.Verbose = fc.Verbose

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// "none" turns framing off; "" keeps the default.
func parseMark(s string, dflt []byte) ([]byte, error) {
	switch s {
	case "":
		return dflt, nil
	case "none":
		return nil, nil
	}
	return hex.DecodeString(s)
}

func markString(m []byte) string {
	if len(m) == 0 {
		return "none"
	}
	return hex.EncodeToString(m)
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func durString(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

// Save writes c as indented JSON, creating parent directories.
func (c *Config) Save(path string) error {
	fc := fileConfig{
		BindAddr:          c.BindAddr,
		BlockSize:         c.BlockSize,
		MaxConnections:    c.MaxConnections,
		WorkerCount:       c.WorkerCount,
		ReadInterval:      durString(c.ReadInterval),
		WriteInterval:     durString(c.WriteInterval),
		WorkerQuota:       c.WorkerQuota,
		QuotaRefill:       durString(c.QuotaRefill),
		WriteBatch:        c.WriteBatch,
		WriteTimeout:      durString(c.WriteTimeout),
		ConnectTimeout:    durString(c.ConnectTimeout),
		PollInterval:      durString(c.PollInterval),
		HeadMark:          markString(c.HeadMark),
		TailMark:          markString(c.TailMark),
		MaxFrameCache:     c.MaxFrameCache,
		Cipher:            c.Cipher,
		SessionTimeout:    durString(c.SessionTimeout),
		HandshakeTimeout:  durString(c.HandshakeTimeout),
		SweepInterval:     durString(c.SweepInterval),
		HeartbeatInterval: durString(c.HeartbeatInterval),
		HTTPEnabled:       c.HTTPEnabled,
		HTTPPort:          c.HTTPPort,
		WebSocketEnabled:  c.WebSocketEnabled,
		WebSocketPort:     c.WebSocketPort,
		Verbose:           c.Verbose,
	}
	by, err := json.MarshalIndent(&fc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, by, 0600)
}

// GetConfigDir says where celltalk keeps its config:
// $XDG_CONFIG_HOME/celltalk if that is set, otherwise
// $HOME/.config/celltalk, otherwise the current directory.
// The directory is created if need be.
func GetConfigDir() (path string, err error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	home := os.Getenv("HOME")
	switch {
	case dir != "":
		path = dir + sep + "celltalk"
	case home != "":
		path = home + sep + ".config" + sep + "celltalk"
	default:
		path = "."
	}
	err = os.MkdirAll(path, 0700)
	return
}

// DefaultConfigPath is GetConfigDir()/celltalk.json.
func DefaultConfigPath() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "celltalk.json"), nil
}
