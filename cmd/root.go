package cmd

import (
	"fmt"
	"os"

	"github.com/dinoallo/sealfs/cmd/manager"
	"github.com/dinoallo/sealfs/cmd/rpc"
	"github.com/dinoallo/sealfs/cmd/serve"
	"github.com/dinoallo/sealfs/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.1.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "sealfs",
		Short: "distributed file system node and RPC tools",
		Long: fmt.Sprintf(`sealfs (v%s)

Storage node, cluster manager and command-line client of the sealfs
distributed file system. Nodes talk to each other over a multiplexed
binary RPC protocol on tcp or unix sockets.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of sealfs",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sealfs v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(manager.ManagerCmd)
	RootCmd.AddCommand(rpc.RPCCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "msgpack", util.WrapString("serializer of heartbeat and cluster status payloads (msgpack, binary, json, gob), must match between nodes and manager"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (tcp, unix)"))
	key = "log-level"
	RootCmd.PersistentFlags().String(key, "info", util.WrapString("level at which logs will be output (debug, info, warn, error)"))
	key = "config-file"
	RootCmd.PersistentFlags().String(key, "", util.WrapString("optional config file (yaml, json or toml) with the same keys as the flags"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
