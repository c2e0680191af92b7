package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blecentral/internal/radio"
	"github.com/srg/blecentral/pkg/central"
)

var connectCmd = &cobra.Command{
	Use:   "connect <peripheral-id>",
	Short: "Connect to a peripheral and resolve its paths",
	Long: `Connect to a peripheral and resolve the requested route into
known service/characteristic paths.

Routes are given as --route SERVICE[:CHAR1,CHAR2]; repeat the flag for
multiple services. Without --route all services and characteristics are
resolved.`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().StringArray("route", nil, "Service route to resolve (SERVICE[:CHAR,...])")
	connectCmd.Flags().Duration("timeout", 0, "Connect timeout (0 = config default)")
	connectCmd.Flags().Bool("reconnect", false, "Resolve the identifier via the driver's known-peripheral lookup")
	connectCmd.Flags().Bool("verbose", false, "Enable verbose logging")
}

// parseRoutes converts --route flags into a radio.Route.
func parseRoutes(specs []string) (radio.Route, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	route := make(radio.Route, len(specs))
	for _, spec := range specs {
		svc, chars, found := strings.Cut(spec, ":")
		if svc == "" {
			return nil, fmt.Errorf("invalid route %q: empty service UUID", spec)
		}
		if !found || chars == "" {
			route[svc] = nil
			continue
		}
		route[svc] = strings.Split(chars, ",")
	}
	return route, nil
}

func runConnect(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	id := args[0]
	specs, _ := cmd.Flags().GetStringArray("route")
	route, err := parseRoutes(specs)
	if err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout <= 0 {
		timeout = cfg.ConnectTimeout
	}
	reconnect, _ := cmd.Flags().GetBool("reconnect")

	mgr, err := newManager(cfg, logger)
	if err != nil {
		return err
	}
	defer mgr.Close()

	if err := waitReady(mgr, 5*time.Second); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	onError := func(err error) { errCh <- err }
	opts := radio.ConnectOptions{ConnectTimeout: timeout}
	if reconnect {
		mgr.ReconnectPeripheral(id, route, opts, onError)
	} else {
		mgr.ConnectPeripheral(id, route, opts, onError)
	}

	connected := mgr.SubscribeConnected()
	deadline := time.After(timeout + 5*time.Second)
	for {
		select {
		case err := <-errCh:
			return fmt.Errorf("connect failed: %w", err)
		case ids, ok := <-connected:
			if !ok {
				return fmt.Errorf("session closed during connect")
			}
			for _, c := range ids {
				if c == id {
					printPaths(mgr, id)
					mgr.CancelConnection(id, func(err error) {
						logger.WithField("error", err).Warn("Disconnect rejected")
					})
					return nil
				}
			}
		case <-deadline:
			mgr.CancelConnection(id, func(error) {})
			return fmt.Errorf("connect to %q timed out", id)
		}
	}
}

func printPaths(mgr *central.Manager, id string) {
	paths := mgr.Paths(id)
	bold := color.New(color.Bold).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()

	fmt.Printf("Connected to %s, %d path(s) resolved:\n", bold(id), len(paths))
	for _, p := range paths {
		fmt.Printf("  %s / %s (handle 0x%04x)\n", cyan(p.Service), cyan(p.Characteristic), p.Handle)
	}
}
