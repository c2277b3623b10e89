package util

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/dinoallo/sealfs/rpc/common"
	"github.com/dinoallo/sealfs/rpc/serializer"
	"github.com/dinoallo/sealfs/rpc/server"
	"github.com/dinoallo/sealfs/rpc/transport"
	"github.com/dinoallo/sealfs/rpc/transport/tcp"
	"github.com/dinoallo/sealfs/rpc/transport/unix"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Logger = logger.GetLogger("cmd")

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// InitConfig loads .env files and enables SEALFS_* environment variables
func InitConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("sealfs")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper and reads the config
// file if one was given. Precedence is flag, environment, config file, default.
func BindCommandFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if path := viper.GetString("config-file"); path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	return common.InitLoggers(viper.GetString("log-level"))
}

// SetupSocketFlags adds the socket tuning flags shared by client and server commands
func SetupSocketFlags(cmd *cobra.Command) {
	key := "transport-write-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the socket write buffer (in KB, 0 keeps the OS default)"))

	key = "transport-read-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the socket read buffer (in KB, 0 keeps the OS default)"))

	key = "transport-tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY (only for tcp)"))

	key = "transport-tcp-keepalive"
	cmd.PersistentFlags().Int(key, 0, WrapString("The keepalive interval (in seconds, only for tcp)"))

	key = "transport-tcp-linger"
	cmd.PersistentFlags().Int(key, 0, WrapString("The linger time on close (in seconds, only for tcp, 0 keeps the OS default)"))

	key = "max-segment-size"
	cmd.PersistentFlags().Uint32(key, common.DefaultMaxSegmentSize, WrapString("The largest accepted path, data or metadata segment (in bytes)"))
}

// SetupRPCClientFlags adds common RPC connection flags to a command
func SetupRPCClientFlags(cmd *cobra.Command) {
	key := "timeout"
	cmd.PersistentFlags().Int(key, 10, WrapString("The timeout in seconds of a single call (0 waits forever)"))

	SetupSocketFlags(cmd)
}

// GetSocketConf reads the socket buffer sizes from viper
func GetSocketConf() common.SocketConf {
	return common.SocketConf{
		WriteBufferSize: viper.GetInt("transport-write-buffer") * 1024,
		ReadBufferSize:  viper.GetInt("transport-read-buffer") * 1024,
	}
}

// GetTCPConf reads the TCP options from viper
func GetTCPConf() common.TCPConf {
	return common.TCPConf{
		TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
		TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
		TCPLingerSec:    viper.GetInt("transport-tcp-linger"),
	}
}

// GetClientConfig reads client configuration from viper
func GetClientConfig() *common.ClientConfig {
	return &common.ClientConfig{
		TimeoutSecond:  viper.GetInt("timeout"),
		MaxSegmentSize: viper.GetUint32("max-segment-size"),
		Socket:         GetSocketConf(),
		TCP:            GetTCPConf(),
	}
}

// GetSerializer creates the heartbeat payload serializer based on configuration
func GetSerializer() (serializer.IRPCSerializer, error) {
	return serializer.New(viper.GetString("serializer"))
}

// GetClientConnector creates the client side of the configured transport
func GetClientConnector() (transport.IClientConnector, error) {
	switch viper.GetString("transport") {
	case "tcp":
		return tcp.NewClientConnector(), nil
	case "unix":
		return unix.NewClientConnector(), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// GetServerConnector creates the server side of the configured transport
func GetServerConnector() (transport.IServerConnector, error) {
	switch viper.GetString("transport") {
	case "tcp":
		return tcp.NewServerConnector(), nil
	case "unix":
		return unix.NewServerConnector(), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// --------------------------------------------------------------------------
// Metrics
// --------------------------------------------------------------------------

// ServeMetrics exposes all metrics in Prometheus text format on
// http://endpoint/metrics. An empty endpoint disables it and returns nil.
func ServeMetrics(endpoint string) (*http.Server, error) {
	if endpoint == "" {
		return nil, nil
	}

	listener, err := net.Listen("tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics on %s: %w", endpoint, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	srv := &http.Server{Handler: mux}

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("Metrics endpoint failed: %v", err)
		}
	}()

	Logger.Infof("Serving metrics on http://%s/metrics", listener.Addr())
	return srv, nil
}

// --------------------------------------------------------------------------
// Server
// --------------------------------------------------------------------------

// SetupRPCServerFlags adds the flags of an RPC server to a command
func SetupRPCServerFlags(cmd *cobra.Command, defaultEndpoint string) {
	key := "endpoint"
	cmd.PersistentFlags().String(key, defaultEndpoint, WrapString("The address on which the server will listen (e.g. 0.0.0.0:8085 for tcp, /tmp/sealfs.sock for unix)"))

	key = "timeout"
	cmd.PersistentFlags().Int64(key, 0, WrapString("Idle timeout in seconds after which a silent connection is closed (0 disables it)"))

	key = "workers-per-conn"
	cmd.PersistentFlags().Int(key, 1, WrapString("Concurrent requests dispatched per connection. 1 answers requests strictly in the order they arrive"))

	key = "max-requests-per-second"
	cmd.PersistentFlags().Float64(key, 0, WrapString("Dispatch rate limit of the whole server (0 disables it)"))

	key = "request-burst"
	cmd.PersistentFlags().Int(key, 100, WrapString("Burst size of the dispatch rate limit"))

	key = "close-on-handler-error"
	cmd.PersistentFlags().Bool(key, false, WrapString("Close the connection when a request fails instead of answering with an error status"))

	key = "shutdown-timeout"
	cmd.PersistentFlags().Int(key, 5, WrapString("Seconds to wait for in-flight requests on shutdown"))

	key = "metrics-endpoint"
	cmd.PersistentFlags().String(key, "", WrapString("Address of an HTTP endpoint exposing metrics at /metrics (e.g. localhost:9090, empty disables it)"))

	SetupSocketFlags(cmd)
}

// GetServerConfig reads the server configuration from viper
func GetServerConfig() *common.ServerConfig {
	return &common.ServerConfig{
		Endpoint:             viper.GetString("endpoint"),
		TimeoutSecond:        viper.GetInt64("timeout"),
		MaxWorkersPerConn:    viper.GetInt("workers-per-conn"),
		MaxSegmentSize:       viper.GetUint32("max-segment-size"),
		MaxRequestsPerSecond: viper.GetFloat64("max-requests-per-second"),
		RequestBurst:         viper.GetInt("request-burst"),
		CloseOnHandlerError:  viper.GetBool("close-on-handler-error"),
		Socket:               GetSocketConf(),
		TCP:                  GetTCPConf(),
		LogLevel:             viper.GetString("log-level"),
	}
}

// RunServer creates a server for handler and runs it together with the
// background tasks until SIGINT or SIGTERM is received or one of them fails.
// Background tasks get a context that is canceled on shutdown.
func RunServer(handler server.Handler, config *common.ServerConfig, background ...func(ctx context.Context) error) error {
	connector, err := GetServerConnector()
	if err != nil {
		return err
	}

	metricsSrv, err := ServeMetrics(viper.GetString("metrics-endpoint"))
	if err != nil {
		return err
	}

	s, err := server.NewServer(handler, *config, connector)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1+len(background))
	go func() {
		if err := s.Run(); err != nil {
			errCh <- err
		}
	}()

	var wg sync.WaitGroup
	for _, task := range background {
		wg.Add(1)
		go func(task func(context.Context) error) {
			defer wg.Done()
			if err := task(ctx); err != nil {
				errCh <- err
			}
		}(task)
	}

	var result *multierror.Error
	select {
	case <-ctx.Done():
		Logger.Infof("Received signal, shutting down")
	case err := <-errCh:
		Logger.Errorf("Shutting down: %v", err)
		result = multierror.Append(result, err)
	}
	stop()

	timeout := time.Duration(viper.GetInt("shutdown-timeout")) * time.Second
	if err := s.Shutdown(timeout); err != nil {
		result = multierror.Append(result, err)
	}
	wg.Wait()

	if metricsSrv != nil {
		if err := metricsSrv.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
