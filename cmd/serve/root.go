package serve

import (
	"context"
	"fmt"

	cmdUtil "github.com/dinoallo/sealfs/cmd/util"
	"github.com/dinoallo/sealfs/rpc/client"
	"github.com/dinoallo/sealfs/rpc/common"
	"github.com/dinoallo/sealfs/rpc/heartbeat"
	"github.com/dinoallo/sealfs/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig     = &common.ServerConfig{}
	heartbeatCmdConfig = &common.HeartbeatConfig{}
	ServeCmd           = &cobra.Command{
		Use:     "serve",
		Short:   "Start a sealfs storage node",
		Long:    `Start a sealfs storage node serving the file operations from memory. With --heartbeat the node announces itself to the manager and exits with an error if the manager stays unreachable. The configuration can be set via command line flags or environment variables. The format of the environment variables is SEALFS_<flag> (e.g. SEALFS_MANAGER_ADDRESS=10.0.0.1:8081)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cmdUtil.SetupRPCServerFlags(ServeCmd, "0.0.0.0:8085")

	key := "heartbeat"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Report heartbeats to the manager"))

	key = "manager-address"
	ServeCmd.PersistentFlags().String(key, "127.0.0.1:8081", cmdUtil.WrapString("Address of the manager the heartbeats are sent to"))

	key = "server-address"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address announced to the manager (defaults to the endpoint)"))

	key = "lifetime"
	ServeCmd.PersistentFlags().String(key, "30s", cmdUtil.WrapString("Lease lifetime requested with each heartbeat (e.g. 30s, 1m or plain seconds)"))

	key = "heartbeat-interval"
	ServeCmd.PersistentFlags().Int(key, 5, cmdUtil.WrapString("Seconds between two heartbeats"))

	key = "heartbeat-timeout"
	ServeCmd.PersistentFlags().Int(key, 5, cmdUtil.WrapString("Timeout in seconds of a single heartbeat call"))

	key = "heartbeat-retries"
	ServeCmd.PersistentFlags().Int(key, 3, cmdUtil.WrapString("Attempts per heartbeat before the round counts as failed"))

	key = "heartbeat-backoff-ms"
	ServeCmd.PersistentFlags().Int(key, 50, cmdUtil.WrapString("Backoff before the first retry in milliseconds, doubled after each retry"))

	key = "heartbeat-max-backoff-ms"
	ServeCmd.PersistentFlags().Int(key, 2000, cmdUtil.WrapString("Upper bound of the retry backoff in milliseconds"))

	key = "heartbeat-max-failures"
	ServeCmd.PersistentFlags().Int(key, 5, cmdUtil.WrapString("Consecutive failed rounds after which the node gives up (0 never gives up)"))

	key = "max-file-size"
	ServeCmd.PersistentFlags().Uint64(key, server.DefaultMaxFileSize, cmdUtil.WrapString("Size in bytes a file can grow to, larger writes are rejected"))
}

// processConfig reads the configuration from the command line flags and environment variables
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	serveCmdConfig = cmdUtil.GetServerConfig()

	*heartbeatCmdConfig = common.HeartbeatConfig{
		Enabled:                viper.GetBool("heartbeat"),
		ManagerAddress:         viper.GetString("manager-address"),
		ServerAddress:          viper.GetString("server-address"),
		Lifetime:               viper.GetString("lifetime"),
		Flags:                  common.ServerFlag,
		IntervalSecond:         viper.GetInt("heartbeat-interval"),
		RetryCount:             viper.GetInt("heartbeat-retries"),
		InitialBackoffMs:       viper.GetInt("heartbeat-backoff-ms"),
		MaxBackoffMs:           viper.GetInt("heartbeat-max-backoff-ms"),
		MaxConsecutiveFailures: viper.GetInt("heartbeat-max-failures"),
	}
	if heartbeatCmdConfig.ServerAddress == "" {
		heartbeatCmdConfig.ServerAddress = serveCmdConfig.Endpoint
	}

	if heartbeatCmdConfig.Enabled {
		if err := heartbeatCmdConfig.Validate(); err != nil {
			return fmt.Errorf("invalid heartbeat configuration (set --server-address?): %w", err)
		}
	}

	return nil
}

// run starts the storage node
func run(_ *cobra.Command, _ []string) error {
	cmdUtil.Logger.Infof("%s", heartbeatCmdConfig.String())

	if !heartbeatCmdConfig.Enabled {
		return cmdUtil.RunServer(server.NewFileHandler(viper.GetUint64("max-file-size")), serveCmdConfig)
	}

	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}
	connector, err := cmdUtil.GetClientConnector()
	if err != nil {
		return err
	}

	c := client.New(common.ClientConfig{
		TimeoutSecond:  viper.GetInt("heartbeat-timeout"),
		MaxSegmentSize: serveCmdConfig.MaxSegmentSize,
		Socket:         serveCmdConfig.Socket,
		TCP:            serveCmdConfig.TCP,
	}, connector)
	defer c.Close()

	reporter := heartbeat.NewReporter(c, *heartbeatCmdConfig, s)
	return cmdUtil.RunServer(server.NewFileHandler(viper.GetUint64("max-file-size")), serveCmdConfig, func(ctx context.Context) error {
		// A manager that is not up yet is retried by the reporter
		if err := c.AddConnection(ctx, heartbeatCmdConfig.ManagerAddress); err != nil {
			cmdUtil.Logger.Warningf("Manager %s not reachable yet: %v", heartbeatCmdConfig.ManagerAddress, err)
		}
		return reporter.Run(ctx)
	})
}
