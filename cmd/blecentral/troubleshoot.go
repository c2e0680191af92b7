package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var troubleshootCmd = &cobra.Command{
	Use:   "troubleshoot",
	Short: "Report radio readiness and authorization",
	Long: `Report the raw radio state and authorization as seen by the
configured driver. Useful when scans or connects are rejected with
"system_not_ready".`,
	RunE: runTroubleshoot,
}

func init() {
	troubleshootCmd.Flags().Bool("verbose", false, "Enable verbose logging")
}

func runTroubleshoot(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	mgr, err := newManager(cfg, logger)
	if err != nil {
		return err
	}
	defer mgr.Close()

	d := mgr.Troubleshoot()

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	stateStr := red("uninitialized")
	if d.State != nil {
		stateStr = d.State.String()
		if mgr.Ready() {
			stateStr = green(stateStr)
		} else {
			stateStr = red(stateStr)
		}
	}

	fmt.Printf("driver:        %s\n", cfg.Driver)
	fmt.Printf("radio state:   %s\n", stateStr)
	fmt.Printf("authorization: %s\n", d.Authorization)
	fmt.Printf("anomalies:     %d\n", mgr.Anomalies())
	return nil
}
