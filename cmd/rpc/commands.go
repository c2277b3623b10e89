package rpc

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dinoallo/sealfs/rpc/client"
	"github.com/dinoallo/sealfs/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	callCmd = &cobra.Command{
		Use:   "call [operation] [path] [data]",
		Short: "Sends a single call and prints the response",
		Long: `Sends a single call and prints the response. The operation is a name such as read-file or its number.
Numeric arguments of the file operations go into the metadata, e.g.

  sealfs rpc call create-file /a
  sealfs rpc call write-file /a "hello" --metadata-u64 0
  sealfs rpc call read-file /a --metadata-u64 0,5`,
		Args: cobra.RangeArgs(1, 3),
		RunE: runCall,
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Lists the live servers known to the manager",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
)

func init() {
	callCmd.Flags().Uint32("flags", 0, "Flags of the request")
	callCmd.Flags().String("metadata", "", "Metadata of the request as hex string")
	callCmd.Flags().String("metadata-u64", "", "Metadata of the request as comma-separated uint64 values")
}

func runCall(cmd *cobra.Command, args []string) error {
	op, err := common.ParseOperationType(args[0])
	if err != nil {
		return err
	}

	call := &client.Call{OperationType: uint32(op)}
	call.Flags, _ = cmd.Flags().GetUint32("flags")
	if len(args) > 1 {
		call.Path = []byte(args[1])
	}
	if len(args) > 2 {
		call.Data = []byte(args[2])
	}

	call.Metadata, err = parseMetadata(cmd)
	if err != nil {
		return err
	}

	start := time.Now()
	res, err := rpcClient.Invoke(context.Background(), viper.GetString("address"), call)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	fmt.Printf("operation: %s\n", op)
	fmt.Printf("status:    %d\n", res.Status)
	fmt.Printf("flags:     %d\n", res.Flags)
	fmt.Printf("metadata:  %s\n", formatMetadata(res.Metadata))
	fmt.Printf("data:      %q\n", res.Data)
	fmt.Printf("took:      %s\n", elapsed)

	return res.Err()
}

func runStatus(_ *cobra.Command, _ []string) error {
	res, err := rpcClient.Invoke(context.Background(), viper.GetString("address"), &client.Call{
		OperationType: uint32(common.OpGetClusterStatus),
	})
	if err != nil {
		return err
	}
	if err := res.Err(); err != nil {
		return err
	}

	var status common.ClusterStatus
	if err := rpcSerializer.DeserializeClusterStatus(res.Data, &status); err != nil {
		return fmt.Errorf("failed to decode cluster status (same --serializer as the manager?): %w", err)
	}

	if len(status.Servers) == 0 {
		fmt.Println("no live servers")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tFLAGS\tEXPIRES IN\tHEARTBEATS")
	for _, s := range status.Servers {
		expiresIn := time.Until(time.Unix(0, s.ExpiresAt)).Round(time.Second)
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\n", s.Address, s.Flags, expiresIn, s.Heartbeats)
	}
	return w.Flush()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func parseMetadata(cmd *cobra.Command) ([]byte, error) {
	hexMetadata, _ := cmd.Flags().GetString("metadata")
	u64Metadata, _ := cmd.Flags().GetString("metadata-u64")

	switch {
	case hexMetadata != "" && u64Metadata != "":
		return nil, fmt.Errorf("--metadata and --metadata-u64 are mutually exclusive")
	case hexMetadata != "":
		b, err := hex.DecodeString(hexMetadata)
		if err != nil {
			return nil, fmt.Errorf("metadata must be a hex string: %w", err)
		}
		return b, nil
	case u64Metadata != "":
		var values []uint64
		for _, part := range strings.Split(u64Metadata, ",") {
			v, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("metadata-u64 must be a list of numbers: %w", err)
			}
			values = append(values, v)
		}
		return common.PutUint64s(values...), nil
	default:
		return nil, nil
	}
}

// formatMetadata prints metadata as hex, and as uint64 values if it has a matching length
func formatMetadata(b []byte) string {
	if len(b) == 0 {
		return "-"
	}
	if len(b)%8 != 0 {
		return hex.EncodeToString(b)
	}
	values, err := common.ParseUint64s(b, len(b)/8)
	if err != nil {
		return hex.EncodeToString(b)
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatUint(v, 10)
	}
	return fmt.Sprintf("%s (%s)", hex.EncodeToString(b), strings.Join(parts, ", "))
}
