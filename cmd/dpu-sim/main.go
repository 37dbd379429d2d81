// Command dpu-sim runs a whole offload job in one process: one DPU server
// per rail of every host plus the hosts themselves, all on a simulated
// fabric.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Mellanox/ucc/internal/fabric"
)

type options struct {
	hosts      int
	dpuPerNode int
	threads    int
	count      uint64
	bufferSize uint64
	numBuffers uint64
	iterations int
	opRate     int
	maxOps     int
	logLevel   string
	timeout    time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "dpu-sim",
		Short:         "Run DPU offloaded collectives on a simulated fabric",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			lvl, err := zerolog.ParseLevel(opts.logLevel)
			if err != nil || lvl == zerolog.NoLevel {
				lvl = zerolog.WarnLevel
			}
			zerolog.SetGlobalLevel(lvl)
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		},
	}

	pf := root.PersistentFlags()
	pf.IntVar(&opts.hosts, "hosts", 4, "Number of hosts")
	pf.IntVar(&opts.dpuPerNode, "dpus-per-node", 1, "DPUs (rails) per host")
	pf.IntVar(&opts.threads, "threads", 2, "Worker threads per DPU")
	pf.Uint64Var(&opts.count, "count", 1024, "Elements per collective")
	pf.Uint64Var(&opts.bufferSize, "buffer-size", 4096, "Pipeline buffer size in bytes")
	pf.Uint64Var(&opts.numBuffers, "num-buffers", 2, "Pipeline buffers per thread")
	pf.IntVar(&opts.iterations, "iterations", 1, "Collectives to run")
	pf.IntVar(&opts.opRate, "op-rate", 0, "Fabric operations per second, 0 for unlimited")
	pf.IntVar(&opts.maxOps, "max-outstanding", 0, "Operations a worker may have in flight, 0 for unlimited")
	pf.StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	pf.DurationVar(&opts.timeout, "timeout", time.Minute, "Give up after this long")

	root.AddCommand(newAllreduceCmd(opts), newAlltoallCmd(opts))
	return root
}

func newAllreduceCmd(opts *options) *cobra.Command {
	var dtName, opName string
	cmd := &cobra.Command{
		Use:   "allreduce",
		Short: "Reduce every host's buffer into every host's result",
		RunE: func(cmd *cobra.Command, args []string) error {
			dt, err := fabric.ParseDatatype(dtName)
			if err != nil {
				return err
			}
			op, err := fabric.ParseReductionOp(opName)
			if err != nil {
				return err
			}
			res, err := runAllreduce(cmd.Context(), opts, dt, op)
			if err != nil {
				return err
			}
			res.print(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().StringVar(&dtName, "dtype", "int32", "Element datatype")
	cmd.Flags().StringVar(&opName, "op", "sum", "Reduction operator")
	return cmd
}

func newAlltoallCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "alltoall",
		Short: "Exchange an equal block between every pair of hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.count%uint64(opts.hosts) != 0 {
				return fmt.Errorf("count %d does not split over %d hosts", opts.count, opts.hosts)
			}
			res, err := runAlltoall(cmd.Context(), opts)
			if err != nil {
				return err
			}
			res.print(cmd.OutOrStdout())
			return nil
		},
	}
}
