package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecentral/internal/radio"
	"github.com/srg/blecentral/internal/radio/goble"
	"github.com/srg/blecentral/internal/radio/tinygo"
	"github.com/srg/blecentral/pkg/central"
	"github.com/srg/blecentral/pkg/config"
)

// newManager builds a session facade over the configured driver and
// initializes it.
func newManager(cfg *config.Config, logger *logrus.Logger) (*central.Manager, error) {
	var sess radio.Session
	switch cfg.Driver {
	case "goble":
		sess = goble.NewSession(logger)
	case "tinygo":
		sess = tinygo.NewSession(logger)
	default:
		return nil, fmt.Errorf("unknown radio driver %q (must be goble or tinygo)", cfg.Driver)
	}

	mgr := central.NewManager(sess, logger)
	if err := mgr.InitializeSession(radio.Config{
		Name:        cfg.SessionName,
		EventBuffer: cfg.EventBuffer,
	}); err != nil {
		return nil, err
	}
	return mgr, nil
}
