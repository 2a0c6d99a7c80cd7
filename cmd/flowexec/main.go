// Command flowexec hosts a dataflow flow-function executor bound to one
// compute device: it loads the model manifest, starts the worker pool, and
// serves until stopped.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	flowexec "github.com/hicann/flowexec"
	"github.com/hicann/flowexec/internal/logging"
)

var (
	deviceID  uint32
	loadPath  string
	groupName string
	numCPU    int
	onDevice  bool
	verbose   bool

	requestQueueID  uint32
	responseQueueID uint32
	enableControl   bool

	scopePrefix string

	enableDump bool
	dumpPath   string
	dumpStep   string
	dumpMode   string
)

var rootCmd = &cobra.Command{
	Use:   "flowexec",
	Short: "Dataflow flow-function executor",
	Long: `flowexec is the on-device runtime executor of a dataflow graph: it
multiplexes flow-function processors across a small worker pool, driven by
the driver's event bus, and serves host lifecycle commands on a request
queue.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config := logging.DefaultConfig()
		if verbose {
			config.Level = logging.LevelDebug
		}
		logging.SetDefault(logging.NewLogger(config))
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if loadPath == "" {
			return fmt.Errorf("--load_path is required")
		}

		params := flowexec.DefaultParams(loadPath)
		params.DeviceID = deviceID
		params.GroupName = groupName
		params.NumCPU = numCPU
		params.OnDevice = onDevice
		params.ScopePrefix = scopePrefix
		params.EnableDump = enableDump
		params.DumpPath = dumpPath
		params.DumpStep = dumpStep
		params.DumpMode = dumpMode
		if enableControl {
			params.RequestQueueID = &requestQueueID
			params.ResponseQueueID = &responseQueueID
		}

		rt, err := flowexec.CreateAndServe(context.Background(), params, nil)
		if err != nil {
			return err
		}
		// The term-signal supervisor translates SIGTERM/SIGINT into the
		// broadcast exit; all that is left is joining the workers.
		return rt.WaitForStop()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.Uint32Var(&deviceID, "device_id", 0, "compute device to bind to")
	flags.StringVar(&loadPath, "load_path", "", "model manifest file (YAML)")
	flags.StringVar(&groupName, "group_name", "main", "scheduling group name")
	flags.IntVar(&numCPU, "num_cpu", 0, "worker pool size (0 = auto)")
	flags.BoolVar(&onDevice, "on_device", false, "merge main/worker event masks on every worker")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	flags.BoolVar(&enableControl, "enable_control", false, "serve host control messages")
	flags.Uint32Var(&requestQueueID, "request_queue", 0, "control request queue id")
	flags.Uint32Var(&responseQueueID, "response_queue", 0, "control response queue id")

	flags.StringVar(&scopePrefix, "scope", "", "DataFlowScope prefix for exception routing")

	flags.BoolVar(&enableDump, "enable_dump", false, "enable tensor dumping (ge.exec.enableDump)")
	flags.StringVar(&dumpPath, "dump_path", "", "dump output directory (ge.exec.dumpPath)")
	flags.StringVar(&dumpStep, "dump_step", "", "dump step spec, e.g. 0_2_4-8 (ge.exec.dumpStep)")
	flags.StringVar(&dumpMode, "dump_mode", "", "dump mode: input, output, or all (ge.exec.dumpMode)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
