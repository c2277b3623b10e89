package rpc

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/dinoallo/sealfs/cmd/util"
	"github.com/dinoallo/sealfs/rpc/client"
	"github.com/dinoallo/sealfs/rpc/common"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for sealfs nodes",
		Long:    "Runs parallel noop, write-file and read-file calls against a node started with sealfs serve and reports throughput and latency percentiles.",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfPathPrefix   = "/__perf"
	perfValueSizeKB  = 4
	perfNumThreads   = 10
	perfFileSpread   = 100
	perfSkip         = make([]string, 0)
	perfPercentiles  = []float64{0.5, 0.9, 0.99}
	perfPercentNames = []string{"p50", "p90", "p99"}
)

// perfResult combines the throughput of a benchmark with the latency distribution of its calls
type perfResult struct {
	bench  testing.BenchmarkResult
	timer  gometrics.Timer
	errors int64
}

func init() {
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. noop,write)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "value-size"
	perfTestCmd.Flags().Int(key, 4, util.WrapString("How large the payload of the write and read tests should be (in KB)"))
	key = "files"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different files to use for the tests"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfValueSizeKB = viper.GetInt("value-size")
	perfFileSpread = max(viper.GetInt("files"), 1)
	perfNumThreads = max(viper.GetInt("threads"), 1)
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func runPerf(_ *cobra.Command, _ []string) error {
	address := viper.GetString("address")

	fmt.Println("Performance testing tool for sealfs nodes")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Address: %s\n", address)
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	// Fail early if the node is not reachable
	if err := rpcClient.AddConnection(context.Background(), address); err != nil {
		return err
	}

	fmt.Println("starting tests...")

	results := make(map[string]perfResult)
	value := make([]byte, perfValueSizeKB*1024)
	paths := getPaths()

	// create the files used by write and read, ignoring existing ones
	for _, path := range paths {
		if _, err := perfCall(address, common.OpCreateFile, path, nil, nil, nil); err != nil {
			return fmt.Errorf("failed to prepare %s: %w", path, err)
		}
	}
	defer func() {
		for _, path := range paths {
			if _, err := perfCall(address, common.OpDeleteFile, path, nil, nil, nil); err != nil {
				log.Printf("(cleanup) - error deleting %s: %v\n", path, err)
			}
		}
	}()

	results["noop"] = benchmark("noop", func(int) error {
		_, err := perfCall(address, common.OpNoop, "", nil, nil, nil)
		return err
	})

	writeMetadata := common.PutUint64s(0)
	results["write"] = benchmark("write", func(i int) error {
		_, err := perfCall(address, common.OpWriteFile, paths[i%len(paths)], value, writeMetadata, nil)
		return err
	})

	// Prefill so that reads return the full value
	for _, path := range paths {
		if _, err := perfCall(address, common.OpWriteFile, path, value, writeMetadata, nil); err != nil {
			return fmt.Errorf("failed to prefill %s: %w", path, err)
		}
	}

	readMetadata := common.PutUint64s(0, uint64(len(value)))
	results["read"] = benchmark("read", func(i int) error {
		buf := make([]byte, len(value))
		_, err := perfCall(address, common.OpReadFile, paths[i%len(paths)], nil, readMetadata, buf)
		return err
	})

	if csvPath := viper.GetString("csv"); csvPath != "" {
		if err := writeResultsToCSV(csvPath, results, util.GetClientConfig()); err != nil {
			return err
		}
		fmt.Printf("\nresults written to %s\n", csvPath)
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// perfCall sends a call with a caller-owned data buffer and turns a nonzero status into an error
func perfCall(address string, op common.OperationType, path string, data, metadata, dataBuf []byte) (client.Result, error) {
	res, err := rpcClient.CallRemote(context.Background(), address, &client.Call{
		OperationType: uint32(op),
		Path:          []byte(path),
		Data:          data,
		Metadata:      metadata,
		MetadataBuf:   make([]byte, 16),
		DataBuf:       dataBuf,
	})
	if err != nil {
		return res, err
	}
	if res.Status == common.StatusExists && op == common.OpCreateFile {
		return res, nil
	}
	return res, res.Err()
}

// benchmark runs fn in parallel and records the latency of every call
func benchmark(name string, fn func(i int) error) perfResult {
	result := perfResult{timer: gometrics.NewTimer()}
	if shouldSkip(name) {
		printResult(name, result)
		return result
	}

	errCounter := gometrics.NewCounter()
	result.bench = testing.Benchmark(func(b *testing.B) {
		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				start := time.Now()
				if err := fn(counter); err != nil {
					errCounter.Inc(1)
					log.Printf("(%s) - error: %v\n", name, err)
				}
				result.timer.UpdateSince(start)
				counter++
			}
		})
	})
	result.errors = errCounter.Count()

	printResult(name, result)
	return result
}

func shouldSkip(test string) bool {
	for _, skip := range perfSkip {
		if strings.TrimSpace(skip) == test {
			return true
		}
	}
	return false
}

func getPaths() []string {
	paths := make([]string, perfFileSpread)
	for i := range paths {
		paths[i] = fmt.Sprintf("%s/file-%d", perfPathPrefix, i)
	}
	return paths
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result perfResult) {
	if result.bench.NsPerOp() == 0 {
		fmt.Printf("%-10sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.bench.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	var latencies []string
	for i, p := range result.timer.Percentiles(perfPercentiles) {
		latencies = append(latencies, fmt.Sprintf("%s=%s", perfPercentNames[i], time.Duration(p)))
	}

	fmt.Printf("%-10s%.0fns/op (%s/op)\t%.0f ops/sec\t%s\terrors=%d\n",
		test, nsPerOp, time.Duration(nsPerOp), opsPerSec, strings.Join(latencies, " "), result.errors)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]perfResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"Test", "NsPerOp", "OpsPerSec", "Skipped", "Errors"}
	header = append(header, perfPercentNames...)
	header = append(header, "Address", "TimeoutSec", "Transport", "Threads", "ValueSizeKB", "Files")
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for test, result := range results {
		var nsPerOp, opsPerSec float64
		skipped := "true"
		if result.bench.NsPerOp() != 0 {
			skipped = "false"
			nsPerOp = math.Max(float64(result.bench.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strconv.FormatInt(result.errors, 10),
		}
		for _, p := range result.timer.Percentiles(perfPercentiles) {
			row = append(row, fmt.Sprintf("%.0f", p))
		}
		row = append(row,
			viper.GetString("address"),
			strconv.Itoa(config.TimeoutSecond),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfValueSizeKB),
			strconv.Itoa(perfFileSpread),
		)

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
