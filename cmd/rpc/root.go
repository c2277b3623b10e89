package rpc

import (
	"github.com/dinoallo/sealfs/cmd/util"
	"github.com/dinoallo/sealfs/rpc/client"
	"github.com/dinoallo/sealfs/rpc/serializer"
	"github.com/spf13/cobra"
)

var (
	rpcClient     *client.Client
	rpcSerializer serializer.IRPCSerializer

	// RPCCommands represents the rpc command group
	RPCCommands = &cobra.Command{
		Use:                "rpc",
		Short:              "Send calls to a sealfs node or manager",
		PersistentPreRunE:  setupRPCClient,
		PersistentPostRunE: closeRPCClient,
	}
)

func init() {
	// Add common RPC flags to the rpc command
	util.SetupRPCClientFlags(RPCCommands)

	RPCCommands.PersistentFlags().String("address", "127.0.0.1:8085", util.WrapString("Address of the node (host:port for tcp, a socket path for unix)"))

	// Add subcommands
	RPCCommands.AddCommand(callCmd)
	RPCCommands.AddCommand(statusCmd)
	RPCCommands.AddCommand(perfTestCmd)
}

// setupRPCClient initializes the RPC client
func setupRPCClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	var err error
	rpcSerializer, err = util.GetSerializer()
	if err != nil {
		return err
	}

	connector, err := util.GetClientConnector()
	if err != nil {
		return err
	}

	rpcClient = client.New(*util.GetClientConfig(), connector)
	return nil
}

func closeRPCClient(_ *cobra.Command, _ []string) error {
	if rpcClient == nil {
		return nil
	}
	return rpcClient.Close()
}
