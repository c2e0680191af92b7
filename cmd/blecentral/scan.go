package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blecentral/internal/radio"
	"github.com/srg/blecentral/pkg/central"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for nearby BLE peripherals",
	Long: `Scan for nearby BLE peripherals and list them strongest signal
first. Re-discoveries of the same peripheral update its entry in place.`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().DurationP("duration", "d", 0, "Scan duration (0 = config default)")
	scanCmd.Flags().StringSlice("services", nil, "Only report peripherals advertising these service UUIDs")
	scanCmd.Flags().Bool("verbose", false, "Enable verbose logging")
}

func runScan(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	duration, _ := cmd.Flags().GetDuration("duration")
	if duration <= 0 {
		duration = cfg.ScanDuration
	}
	services, _ := cmd.Flags().GetStringSlice("services")

	mgr, err := newManager(cfg, logger)
	if err != nil {
		return err
	}
	defer mgr.Close()

	if err := waitReady(mgr, 5*time.Second); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	mgr.StartScanning(radio.ScanFilter{ServiceUUIDs: services}, func(err error) {
		errCh <- err
	})
	select {
	case err := <-errCh:
		return fmt.Errorf("scan failed: %w", err)
	default:
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	fmt.Printf("Scanning for %s (Ctrl+C to stop)...\n", duration)
	select {
	case <-time.After(duration):
	case <-sigCh:
	case err := <-errCh:
		return fmt.Errorf("scan failed: %w", err)
	}

	mgr.StopScanning(func(err error) {
		logger.WithField("error", err).Warn("Failed to stop scan")
	})

	printPeripherals(mgr.Peripherals())
	return nil
}

// waitReady blocks until the readiness view turns true or the timeout
// elapses.
func waitReady(mgr *central.Manager, timeout time.Duration) error {
	ready := mgr.SubscribeReady()
	deadline := time.After(timeout)
	for {
		select {
		case v, ok := <-ready:
			if !ok {
				return fmt.Errorf("session closed while waiting for radio")
			}
			if v {
				return nil
			}
		case <-deadline:
			d := mgr.Troubleshoot()
			if d.State != nil {
				return fmt.Errorf("radio did not become ready (state=%s, authorization=%s)", *d.State, d.Authorization)
			}
			return fmt.Errorf("radio did not become ready (session uninitialized)")
		}
	}
}

func printPeripherals(peripherals []central.Peripheral) {
	if len(peripherals) == 0 {
		fmt.Println("No peripherals discovered")
		return
	}

	bold := color.New(color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	fmt.Printf("%s\n", bold(fmt.Sprintf("%-20s %-24s %6s  %s", "ID", "NAME", "RSSI", "LAST SEEN")))
	for _, p := range peripherals {
		name := p.Advertisement.LocalName
		if name == "" {
			name = "(unknown)"
		}
		rssi := yellow(fmt.Sprintf("%6d", p.RSSI))
		if p.RSSI > -60 {
			rssi = green(fmt.Sprintf("%6d", p.RSSI))
		}
		fmt.Printf("%-20s %-24s %s  %s\n", p.ID, name, rssi, p.LastSeen.Format(time.RFC3339))
	}
}
