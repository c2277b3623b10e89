package manager

import (
	cmdUtil "github.com/dinoallo/sealfs/cmd/util"
	"github.com/dinoallo/sealfs/rpc/common"
	"github.com/dinoallo/sealfs/rpc/server"
	"github.com/spf13/cobra"
)

var (
	managerCmdConfig = &common.ServerConfig{}
	ManagerCmd       = &cobra.Command{
		Use:   "manager",
		Short: "Start the sealfs cluster manager",
		Long:  `Start the sealfs cluster manager. Storage nodes announce themselves with heartbeats and stay live as long as their lease has not expired. Nodes and manager must use the same --serializer. The format of the environment variables is SEALFS_<flag> (e.g. SEALFS_ENDPOINT=0.0.0.0:8081)`,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := cmdUtil.BindCommandFlags(cmd); err != nil {
				return err
			}
			managerCmdConfig = cmdUtil.GetServerConfig()
			return nil
		},
		RunE: run,
	}
)

func init() {
	cmdUtil.SetupRPCServerFlags(ManagerCmd, "0.0.0.0:8081")
}

// run starts the manager
func run(_ *cobra.Command, _ []string) error {
	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}

	return cmdUtil.RunServer(server.NewManagerHandler(s), managerCmdConfig)
}
