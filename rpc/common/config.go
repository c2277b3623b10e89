package common

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultMaxSegmentSize is the largest path, data or metadata segment a peer
// accepts unless configured otherwise.
const DefaultMaxSegmentSize uint32 = 64 << 20 // 64 MiB

// --------------------------------------------------------------------------
// Socket configuration structs
// --------------------------------------------------------------------------

// SocketConf holds socket buffer sizes (0 keeps the OS default)
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds TCP specific socket options
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int // 0 keeps the OS default
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters of an RPC server.
type ServerConfig struct {
	// Address to bind (host:port for tcp, a socket path for unix)
	Endpoint string

	// Idle read timeout per connection, 0 disables it
	TimeoutSecond int64

	// Concurrent dispatches per connection. 1 processes requests strictly
	// in receipt order.
	MaxWorkersPerConn int

	// Largest accepted segment, 0 means DefaultMaxSegmentSize
	MaxSegmentSize uint32

	// Dispatch rate limit for the whole server, 0 disables it
	MaxRequestsPerSecond float64
	RequestBurst         int

	// Close the connection instead of answering with an error status
	// when the handler fails
	CloseOnHandlerError bool

	Socket SocketConf
	TCP    TCPConf

	// Logging configuration
	LogLevel string
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// RPC settings
	addSection("RPC Server")
	addField("Endpoint", c.Endpoint)
	addField("Idle Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Workers Per Conn", strconv.Itoa(c.MaxWorkersPerConn))
	addField("Max Segment Size", fmt.Sprintf("%d bytes", c.EffectiveMaxSegmentSize()))
	addField("Close On Handler Err", strconv.FormatBool(c.CloseOnHandlerError))
	if c.MaxRequestsPerSecond > 0 {
		addField("Rate Limit", fmt.Sprintf("%.0f req/s (burst %d)", c.MaxRequestsPerSecond, c.RequestBurst))
	} else {
		addField("Rate Limit", "disabled")
	}

	// Socket settings
	addSection("Socket")
	addField("TCP No Delay", strconv.FormatBool(c.TCP.TCPNoDelay))
	addField("TCP Keep Alive", fmt.Sprintf("%d sec", c.TCP.TCPKeepAliveSec))
	addField("Read Buffer", fmt.Sprintf("%d bytes", c.Socket.ReadBufferSize))
	addField("Write Buffer", fmt.Sprintf("%d bytes", c.Socket.WriteBufferSize))

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// EffectiveMaxSegmentSize returns MaxSegmentSize or its default
func (c *ServerConfig) EffectiveMaxSegmentSize() uint32 {
	if c.MaxSegmentSize == 0 {
		return DefaultMaxSegmentSize
	}
	return c.MaxSegmentSize
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	// Default deadline of a call without a context deadline, 0 waits forever
	TimeoutSecond int

	// Largest accepted response segment, 0 means DefaultMaxSegmentSize
	MaxSegmentSize uint32

	Socket SocketConf
	TCP    TCPConf
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Max Segment Size", fmt.Sprintf("%d bytes", c.EffectiveMaxSegmentSize()))
	addField("TCP No Delay", strconv.FormatBool(c.TCP.TCPNoDelay))

	return sb.String()
}

// EffectiveMaxSegmentSize returns MaxSegmentSize or its default
func (c *ClientConfig) EffectiveMaxSegmentSize() uint32 {
	if c.MaxSegmentSize == 0 {
		return DefaultMaxSegmentSize
	}
	return c.MaxSegmentSize
}

// --------------------------------------------------------------------------
// Heartbeat configuration struct
// --------------------------------------------------------------------------

// HeartbeatConfig configures the heartbeat reporter of a storage node
type HeartbeatConfig struct {
	Enabled        bool
	ManagerAddress string
	ServerAddress  string
	Lifetime       string
	Flags          uint32
	IntervalSecond int

	// Retry policy of a single round
	RetryCount       int
	InitialBackoffMs int
	MaxBackoffMs     int

	// Consecutive failed rounds after which the reporter gives up, 0 never
	MaxConsecutiveFailures int
}

// Validate checks an enabled heartbeat configuration. The announced address
// must be reachable by the manager, so a tcp address with an unspecified host
// such as 0.0.0.0:8085 is rejected. Socket paths are not checked.
func (c *HeartbeatConfig) Validate() error {
	if c.ManagerAddress == "" {
		return fmt.Errorf("manager address is required")
	}
	if c.ServerAddress == "" {
		return fmt.Errorf("server address is required")
	}
	if host, _, err := net.SplitHostPort(c.ServerAddress); err == nil {
		if host == "" || net.ParseIP(host).IsUnspecified() {
			return fmt.Errorf("server address %s is not reachable by the manager, its host is unspecified", c.ServerAddress)
		}
	}
	if _, err := ParseLifetime(c.Lifetime); err != nil {
		return err
	}
	return nil
}

// String returns a formatted string representation of the heartbeat configuration
func (c *HeartbeatConfig) String() string {
	var sb strings.Builder

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	sb.WriteString("\nHEARTBEAT\n")
	addField("Enabled", strconv.FormatBool(c.Enabled))
	if !c.Enabled {
		return sb.String()
	}
	addField("Manager", c.ManagerAddress)
	addField("Announced Address", c.ServerAddress)
	addField("Lifetime", c.Lifetime)
	addField("Interval", fmt.Sprintf("%d sec", c.IntervalSecond))
	addField("Retries Per Round", strconv.Itoa(c.RetryCount))
	addField("Backoff", fmt.Sprintf("%d ms - %d ms", c.InitialBackoffMs, c.MaxBackoffMs))
	addField("Give Up After", fmt.Sprintf("%d failed rounds", c.MaxConsecutiveFailures))

	return sb.String()
}
