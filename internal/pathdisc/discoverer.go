// Package pathdisc resolves the communication paths of a freshly connected
// peripheral. One Discoverer serves exactly one connect attempt: it drives
// the driver's structural-discovery commands for the requested route and
// completes exactly once with either a flat list of resolved paths or the
// first discovery error.
package pathdisc

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/radio"
)

// Path is one resolved service+characteristic endpoint on a connected
// peripheral.
type Path struct {
	PeripheralID   string
	Service        string
	Characteristic string
	Handle         uint16
}

// Discoverer owns the private state of one discovery run. It is not safe
// for concurrent use; the session facade feeds it events from its
// single-writer sequence.
type Discoverer struct {
	id      string
	route   radio.Route
	session radio.Session
	logger  *logrus.Logger
	onDone  func([]Path, error)

	awaited map[string]struct{}
	paths   []Path
	done    bool
}

// New creates a discoverer for the peripheral. The route must already be
// normalized; a nil route resolves every service and characteristic.
// onDone is invoked exactly once, from the same event sequence that feeds
// the discoverer.
func New(id string, route radio.Route, session radio.Session, logger *logrus.Logger, onDone func([]Path, error)) *Discoverer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Discoverer{
		id:      id,
		route:   route,
		session: session,
		logger:  logger,
		onDone:  onDone,
		awaited: make(map[string]struct{}),
	}
}

// Begin issues service discovery for the requested route.
func (d *Discoverer) Begin() {
	if d.done {
		return
	}

	d.logger.WithFields(logrus.Fields{
		"peripheral": d.id,
		"services":   len(d.route),
	}).Debug("Starting path discovery")

	if err := d.session.DiscoverServices(d.id, d.route.ServiceUUIDs()); err != nil {
		d.complete(nil, err)
	}
}

// HandleServices consumes the terminal result of the service discovery
// command. Results arriving after completion are ignored.
func (d *Discoverer) HandleServices(ev radio.ServicesDiscovered) {
	if d.done {
		return
	}
	if ev.Err != nil {
		d.complete(nil, ev.Err)
		return
	}

	for _, svc := range ev.Services {
		svc = radio.NormalizeUUID(svc)
		chars, requested := d.route[svc]
		if d.route != nil && !requested {
			continue
		}

		d.awaited[svc] = struct{}{}
		if err := d.session.DiscoverCharacteristics(d.id, svc, chars); err != nil {
			d.complete(nil, err)
			return
		}
	}

	// Nothing to await: either the peripheral exposed no requested
	// services, or it exposed none at all.
	if len(d.awaited) == 0 {
		d.complete(d.paths, nil)
	}
}

// HandleCharacteristics consumes the terminal result of one characteristic
// discovery command. The first error fails the whole run; later results
// for other services are ignored once completed.
func (d *Discoverer) HandleCharacteristics(ev radio.CharacteristicsDiscovered) {
	if d.done {
		return
	}

	svc := radio.NormalizeUUID(ev.Service)
	if _, ok := d.awaited[svc]; !ok {
		d.logger.WithFields(logrus.Fields{
			"peripheral": d.id,
			"service":    svc,
		}).Debug("Ignoring characteristic result for unawaited service")
		return
	}

	if ev.Err != nil {
		d.complete(nil, ev.Err)
		return
	}

	for _, ch := range ev.Characteristics {
		d.paths = append(d.paths, Path{
			PeripheralID:   d.id,
			Service:        svc,
			Characteristic: radio.NormalizeUUID(ch.UUID),
			Handle:         ch.Handle,
		})
	}

	delete(d.awaited, svc)
	if len(d.awaited) == 0 {
		d.complete(d.paths, nil)
	}
}

// Done reports whether the run has completed.
func (d *Discoverer) Done() bool {
	return d.done
}

func (d *Discoverer) complete(paths []Path, err error) {
	if d.done {
		return
	}
	d.done = true

	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"peripheral": d.id,
			"error":      err,
		}).Debug("Path discovery failed")
	} else {
		d.logger.WithFields(logrus.Fields{
			"peripheral": d.id,
			"paths":      len(paths),
		}).Debug("Path discovery completed")
	}

	if d.onDone != nil {
		d.onDone(paths, err)
	}
}
