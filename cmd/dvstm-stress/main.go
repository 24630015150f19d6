// Package main implements the dvstm-stress CLI tool.
//
// The tool drives a DV-STM region with configurable concurrent workloads
// and reports throughput, abort rates and epoch statistics. It exists to
// soak-test the engine the way a grading harness would: many threads,
// mixed read/write/alloc/free traffic, long runs.
//
// Usage:
//
//	dvstm-stress run --workers 16 --duration 10s
//	dvstm-stress run --words 256 --write-ratio 0.3 --churn
//	dvstm-stress version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kolkov/dvstm/stm"
)

func main() {
	root := &cobra.Command{
		Use:          "dvstm-stress",
		Short:        "Stress and soak driver for the DV-STM engine",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := stm.GetInfo()
			fmt.Printf("dvstm-stress %s\n", info.Version)
			fmt.Printf("algorithm: %s\n", info.Algorithm)
			fmt.Printf("capacity:  %d r/w tx per epoch, %d segments per region\n",
				info.MaxRWTx, info.MaxSegments)
		},
	}
}
