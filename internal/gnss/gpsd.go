package gnss

import (
	"log"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/stratoberry/go-gpsd"
)

var errNoReport = errors.New("no TPV report received yet")

// GpsdSource feeds LocationPoints from a gpsd TPV stream. The gpsd session
// delivers reports on its own goroutine; current state is mutex-guarded and
// handed out as copies.
type GpsdSource struct {
	mu         sync.Mutex
	logger     *log.Logger
	server     string
	conn       *gpsd.Session
	filter     *Filter
	current    LocationPoint
	haveReport bool
	running    bool
}

func NewGpsdSource(logger *log.Logger, server string) *GpsdSource {
	return &GpsdSource{
		logger: logger,
		server: server,
		filter: NewFilter(),
	}
}

// Start dials gpsd and begins watching TPV reports. Safe to call when
// already running.
func (g *GpsdSource) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return nil
	}

	conn, err := gpsd.Dial(g.server)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to gpsd at %s", g.server)
	}

	conn.AddFilter("TPV", g.handleTPV)
	conn.Watch()

	g.conn = conn
	g.running = true
	g.logger.Printf("gnss: watching gpsd on %s", g.server)
	return nil
}

// Stop closes the gpsd session and marks the source unpowered.
func (g *GpsdSource) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.conn != nil {
		g.conn.Close()
		g.conn = nil
	}
	g.running = false
	g.haveReport = false
	g.filter.Reset()
}

func (g *GpsdSource) handleTPV(r interface{}) {
	report, ok := r.(*gpsd.TPVReport)
	if !ok {
		g.logger.Printf("gnss: could not cast TPV report")
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	point := LocationPoint{Sources: []Source{SourceGnss}}

	// Mode 0/1 = no fix yet.
	point.Locked = report.Mode >= 2

	if point.Locked {
		at := report.Time
		if at.IsZero() {
			at = time.Now()
		}
		point.EpochTime = at.Unix()

		raw := LocationPoint{Latitude: report.Lat, Longitude: report.Lon}
		point.Latitude, point.Longitude = g.filter.Update(raw, at)
		point.Altitude = report.Alt
		point.Heading = report.Track
		point.Speed = report.Speed
		point.HorizontalAccuracy = math.Max(report.Epx, report.Epy)
		point.VerticalAccuracy = report.Epv
		point.Stable = g.filter.Stable()
	} else {
		g.filter.Reset()
	}

	g.current = point
	g.haveReport = true
}

// Powered reports whether the gpsd session is up.
func (g *GpsdSource) Powered() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Location returns the latest sample.
func (g *GpsdSource) Location() (LocationPoint, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.haveReport {
		return LocationPoint{}, errNoReport
	}
	return g.current, nil
}
