package report

import (
	"context"
	"log"

	"tracker-service/internal/cell"
	"tracker-service/internal/config"
	"tracker-service/internal/gnss"
	"tracker-service/internal/trigger"
	"tracker-service/internal/wifi"
)

// Worst-case rendered sizes, measured from the literal forms below. The
// enrichment blocks budget against these estimates rather than re-rendering
// entries speculatively.
const (
	towerHeaderEstimate = len(`,"towers":[]`)
	towerEntryEstimate  = len(`{"rat":"lte","mcc":999,"mnc":999,"lac":65535,"cid":4294967295,"str":-999},`)
	wpsHeaderEstimate   = len(`,"wps":[]`)
	wpsEntryEstimate    = len(`{"bssid":"00:11:22:33:44:55","ch":99,"str":-999},`)

	// closeReserve keeps room for the report's closing brace.
	closeReserve = len(`}`)

	// maxTowerSend caps the tower list independently of the byte budget.
	maxTowerSend = 5
)

// TowerSource reports the serving cell and its neighbors.
type TowerSource interface {
	ServingCell() (cell.Serving, error)
	NeighborCells() ([]cell.Neighbor, error)
}

// WifiScanner lists nearby access points.
type WifiScanner interface {
	Scan(ctx context.Context) ([]wifi.AccessPoint, error)
}

// FieldGenerator extends the loc object with application-defined fields.
// Generators run in registration order after the location fields.
type FieldGenerator interface {
	Generate(w *Writer, point *gnss.LocationPoint)
}

// Builder assembles publish payloads within a fixed byte budget.
type Builder struct {
	logger     *log.Logger
	triggers   *trigger.Set
	towers     TowerSource
	wifi       WifiScanner
	generators []FieldGenerator
	capacity   int
}

func NewBuilder(logger *log.Logger, triggers *trigger.Set, towers TowerSource, wifi WifiScanner) *Builder {
	return &Builder{
		logger:   logger,
		triggers: triggers,
		towers:   towers,
		wifi:     wifi,
		capacity: DefaultCapacity,
	}
}

// RegisterFieldGenerator appends a generator to the loc extension chain.
func (b *Builder) RegisterFieldGenerator(g FieldGenerator) {
	b.generators = append(b.generators, g)
}

// Build assembles one report. Location fields are emitted only for a locked
// fix with GNSS reporting enabled; pending trigger names are drained into the
// payload. Tower and WiFi enrichment fills whatever budget remains.
func (b *Builder) Build(ctx context.Context, point gnss.LocationPoint, settings config.PublishSettings) []byte {
	w := NewWriter(b.capacity)
	w.BeginObject()
	w.Name("loc").BeginObject()
	if settings.Gnss && point.Locked {
		w.Name("lck").Int(1)
		w.Name("time").Int(point.EpochTime)
		w.Name("lat").Float(point.Latitude, 8)
		w.Name("lon").Float(point.Longitude, 8)
		if !settings.MinPublish {
			w.Name("alt").Float(point.Altitude, 3)
			w.Name("hd").Float(point.Heading, 2)
			w.Name("spd").Float(point.Speed, 2)
			w.Name("h_acc").Float(point.HorizontalAccuracy, 3)
			w.Name("v_acc").Float(point.VerticalAccuracy, 3)
		}
	} else {
		w.Name("lck").Int(0)
	}
	for _, g := range b.generators {
		g.Generate(w, &point)
	}
	if settings.EnhanceLoc && settings.LocCb {
		w.Name("loc_cb").Bool(true)
	}
	w.EndObject()

	if names := b.triggers.Drain(); len(names) > 0 {
		w.Name("trig").BeginArray()
		for _, name := range names {
			w.Str(name)
		}
		w.EndArray()
	}

	if settings.EnhanceLoc {
		remaining := w.Capacity() - w.Len() - closeReserve
		remaining -= b.buildTowers(w, settings, remaining)
		b.buildWps(ctx, w, settings, remaining)
	}

	w.EndObject()
	return w.Payload()
}

// buildTowers emits the serving cell and as many neighbors as the budget and
// maxTowerSend allow. The serving cell is always queried so modem state stays
// warm even when nothing fits. Returns the bytes written.
func (b *Builder) buildTowers(w *Writer, settings config.PublishSettings, budget int) int {
	if !settings.Tower || b.towers == nil {
		return 0
	}
	serving, err := b.towers.ServingCell()
	if err != nil {
		b.logger.Printf("Tower scan skipped: %v", err)
		return 0
	}
	if serving.RAT == cell.RATNone {
		return 0
	}

	maxEntries := 0
	if budget > towerHeaderEstimate {
		maxEntries = (budget - towerHeaderEstimate) / towerEntryEstimate
	}
	if maxEntries > maxTowerSend {
		maxEntries = maxTowerSend
	}
	if maxEntries == 0 {
		return 0
	}

	start := w.Len()
	w.Name("towers").BeginArray()
	w.BeginObject()
	w.Name("rat").Str(serving.RAT.String())
	w.Name("mcc").Uint(uint64(serving.MCC))
	w.Name("mnc").Uint(uint64(serving.MNC))
	w.Name("lac").Uint(uint64(serving.TAC))
	w.Name("cid").Uint(uint64(serving.CellID))
	w.Name("str").Int(int64(serving.SignalPower))
	w.EndObject()

	if slots := maxEntries - 1; slots > 0 {
		neighbors, err := b.towers.NeighborCells()
		if err != nil {
			b.logger.Printf("Neighbor scan failed: %v", err)
		}
		for _, n := range neighbors {
			if slots <= 0 {
				break
			}
			w.BeginObject()
			w.Name("nid").Uint(uint64(n.NeighborID))
			w.Name("ch").Uint(uint64(n.EARFCN))
			w.Name("str").Int(int64(n.SignalPower))
			w.EndObject()
			slots--
		}
	}
	w.EndArray()
	return w.Len() - start
}

// buildWps emits scanned access points, truncated to what fits the budget.
// An empty or failed scan writes nothing.
func (b *Builder) buildWps(ctx context.Context, w *Writer, settings config.PublishSettings, budget int) int {
	if !settings.Wps || b.wifi == nil {
		return 0
	}
	if budget <= wpsHeaderEstimate {
		return 0
	}
	maxEntries := (budget - wpsHeaderEstimate) / wpsEntryEstimate
	if maxEntries == 0 {
		return 0
	}
	aps, err := b.wifi.Scan(ctx)
	if err != nil {
		b.logger.Printf("WiFi scan failed: %v", err)
		return 0
	}
	if len(aps) == 0 {
		return 0
	}

	start := w.Len()
	w.Name("wps").BeginArray()
	for i, ap := range aps {
		if i >= maxEntries {
			break
		}
		w.BeginObject()
		w.Name("bssid").Str(ap.BSSID)
		w.Name("ch").Int(int64(ap.Channel))
		w.Name("str").Int(int64(ap.Signal))
		w.EndObject()
	}
	w.EndArray()
	return w.Len() - start
}
