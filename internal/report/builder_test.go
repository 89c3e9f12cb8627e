package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"testing"

	"tracker-service/internal/cell"
	"tracker-service/internal/config"
	"tracker-service/internal/gnss"
	"tracker-service/internal/trigger"
	"tracker-service/internal/wifi"
)

type fakeTowers struct {
	serving   cell.Serving
	servErr   error
	neighbors []cell.Neighbor
}

func (f *fakeTowers) ServingCell() (cell.Serving, error) {
	return f.serving, f.servErr
}

func (f *fakeTowers) NeighborCells() ([]cell.Neighbor, error) {
	return f.neighbors, nil
}

type fakeWifi struct {
	aps   []wifi.AccessPoint
	err   error
	calls int
}

func (f *fakeWifi) Scan(ctx context.Context) ([]wifi.AccessPoint, error) {
	f.calls++
	return f.aps, f.err
}

func testBuilder(t *testing.T) (*Builder, *trigger.Set) {
	t.Helper()
	triggers := trigger.NewSet()
	logger := log.New(os.Stdout, "[test] ", 0)
	return NewBuilder(logger, triggers, nil, nil), triggers
}

func lockedPoint() gnss.LocationPoint {
	return gnss.LocationPoint{
		Latitude:           52.52000660,
		Longitude:          13.40495400,
		Altitude:           34.5,
		Heading:            182.25,
		Speed:              4.1,
		HorizontalAccuracy: 6.5,
		VerticalAccuracy:   9.2,
		EpochTime:          1700000000,
		Locked:             true,
	}
}

func parseReport(t *testing.T, payload []byte) map[string]any {
	t.Helper()
	var report map[string]any
	if err := json.Unmarshal(payload, &report); err != nil {
		t.Fatalf("Payload is not valid JSON: %v\n%s", err, payload)
	}
	return report
}

func TestBuildLockedReport(t *testing.T) {
	b, _ := testBuilder(t)
	settings := config.DefaultPublishSettings()

	payload := b.Build(context.Background(), lockedPoint(), settings)
	report := parseReport(t, payload)

	loc, ok := report["loc"].(map[string]any)
	if !ok {
		t.Fatalf("Report missing loc object: %s", payload)
	}
	if loc["lck"] != float64(1) {
		t.Errorf("Expected lck=1, got %v", loc["lck"])
	}
	for _, field := range []string{"time", "lat", "lon", "alt", "hd", "spd", "h_acc", "v_acc"} {
		if _, ok := loc[field]; !ok {
			t.Errorf("Expected loc field %q in %s", field, payload)
		}
	}
}

func TestBuildMinPublish(t *testing.T) {
	b, _ := testBuilder(t)
	settings := config.DefaultPublishSettings()
	settings.MinPublish = true

	payload := b.Build(context.Background(), lockedPoint(), settings)
	loc := parseReport(t, payload)["loc"].(map[string]any)

	for _, field := range []string{"time", "lat", "lon"} {
		if _, ok := loc[field]; !ok {
			t.Errorf("Expected loc field %q in minimal report", field)
		}
	}
	for _, field := range []string{"alt", "hd", "spd", "h_acc", "v_acc"} {
		if _, ok := loc[field]; ok {
			t.Errorf("Field %q should be omitted from minimal report", field)
		}
	}
}

func TestBuildUnlockedReport(t *testing.T) {
	b, _ := testBuilder(t)
	point := lockedPoint()
	point.Locked = false

	payload := b.Build(context.Background(), point, config.DefaultPublishSettings())
	loc := parseReport(t, payload)["loc"].(map[string]any)

	if loc["lck"] != float64(0) {
		t.Errorf("Expected lck=0, got %v", loc["lck"])
	}
	if _, ok := loc["lat"]; ok {
		t.Error("Unlocked report must not carry coordinates")
	}
}

func TestBuildGnssDisabledReport(t *testing.T) {
	b, _ := testBuilder(t)
	settings := config.DefaultPublishSettings()
	settings.Gnss = false

	payload := b.Build(context.Background(), lockedPoint(), settings)
	loc := parseReport(t, payload)["loc"].(map[string]any)

	if loc["lck"] != float64(0) {
		t.Errorf("Expected lck=0 with location reporting disabled, got %v", loc["lck"])
	}
}

func TestBuildCallbackFlag(t *testing.T) {
	b, _ := testBuilder(t)

	settings := config.DefaultPublishSettings()
	settings.LocCb = true
	loc := parseReport(t, b.Build(context.Background(), lockedPoint(), settings))["loc"].(map[string]any)
	if loc["loc_cb"] != true {
		t.Error("Expected loc_cb:true when callbacks requested")
	}

	settings.EnhanceLoc = false
	loc = parseReport(t, b.Build(context.Background(), lockedPoint(), settings))["loc"].(map[string]any)
	if _, ok := loc["loc_cb"]; ok {
		t.Error("loc_cb must be omitted when enhanced location is disabled")
	}
}

func TestBuildDrainsTriggers(t *testing.T) {
	b, triggers := testBuilder(t)
	triggers.Request(trigger.NameTime)
	triggers.Request(trigger.NameRadius)

	payload := b.Build(context.Background(), lockedPoint(), config.DefaultPublishSettings())
	report := parseReport(t, payload)

	trig, ok := report["trig"].([]any)
	if !ok {
		t.Fatalf("Report missing trig array: %s", payload)
	}
	got := map[string]bool{}
	for _, name := range trig {
		got[name.(string)] = true
	}
	if !got[trigger.NameTime] || !got[trigger.NameRadius] {
		t.Errorf("Expected time and radius triggers, got %v", trig)
	}
	if triggers.Pending() {
		t.Error("Build must drain pending triggers")
	}

	report = parseReport(t, b.Build(context.Background(), lockedPoint(), config.DefaultPublishSettings()))
	if _, ok := report["trig"]; ok {
		t.Error("No trig array expected when nothing is pending")
	}
}

func TestBuildTowers(t *testing.T) {
	b, _ := testBuilder(t)
	towers := &fakeTowers{
		serving: cell.Serving{RAT: cell.RATLTE, MCC: 262, MNC: 2, TAC: 0x5678, CellID: 0x1A2B3C, SignalPower: -85},
	}
	for i := 0; i < 8; i++ {
		towers.neighbors = append(towers.neighbors, cell.Neighbor{
			RAT: cell.RATLTE, EARFCN: uint32(6300 + i), NeighborID: uint32(100 + i), SignalPower: -90 - i,
		})
	}
	b.towers = towers

	payload := b.Build(context.Background(), lockedPoint(), config.DefaultPublishSettings())
	list, ok := parseReport(t, payload)["towers"].([]any)
	if !ok {
		t.Fatalf("Report missing towers array: %s", payload)
	}
	if len(list) != maxTowerSend {
		t.Fatalf("Expected %d tower entries, got %d", maxTowerSend, len(list))
	}
	first := list[0].(map[string]any)
	if first["rat"] != "lte" || first["cid"] != float64(0x1A2B3C) {
		t.Errorf("First entry must be the serving cell, got %v", first)
	}
	second := list[1].(map[string]any)
	if second["nid"] != float64(100) || second["ch"] != float64(6300) {
		t.Errorf("Unexpected first neighbor: %v", second)
	}
}

func TestBuildTowersNoService(t *testing.T) {
	b, _ := testBuilder(t)
	b.towers = &fakeTowers{servErr: errors.New("modem not present")}

	report := parseReport(t, b.Build(context.Background(), lockedPoint(), config.DefaultPublishSettings()))
	if _, ok := report["towers"]; ok {
		t.Error("No towers array expected without a serving cell")
	}
}

func TestBuildWps(t *testing.T) {
	b, _ := testBuilder(t)
	scanner := &fakeWifi{aps: []wifi.AccessPoint{
		{BSSID: "00:11:22:33:44:55", Channel: 6, Signal: -55},
		{BSSID: "66:77:88:99:aa:bb", Channel: 11, Signal: -71},
	}}
	b.wifi = scanner

	payload := b.Build(context.Background(), lockedPoint(), config.DefaultPublishSettings())
	list, ok := parseReport(t, payload)["wps"].([]any)
	if !ok {
		t.Fatalf("Report missing wps array: %s", payload)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 access points, got %d", len(list))
	}
	entry := list[0].(map[string]any)
	if entry["bssid"] != "00:11:22:33:44:55" || entry["ch"] != float64(6) || entry["str"] != float64(-55) {
		t.Errorf("Unexpected wps entry: %v", entry)
	}
}

func TestBuildWpsEmptyScan(t *testing.T) {
	b, _ := testBuilder(t)
	b.wifi = &fakeWifi{}

	report := parseReport(t, b.Build(context.Background(), lockedPoint(), config.DefaultPublishSettings()))
	if _, ok := report["wps"]; ok {
		t.Error("No wps array expected from an empty scan")
	}
}

func TestBuildWpsBudgetTruncation(t *testing.T) {
	b, _ := testBuilder(t)
	scanner := &fakeWifi{}
	for i := 0; i < wifi.MaxCollect; i++ {
		scanner.aps = append(scanner.aps, wifi.AccessPoint{
			BSSID:   fmt.Sprintf("00:11:22:33:44:%02x", i),
			Channel: 1 + i%13,
			Signal:  -40 - i,
		})
	}
	b.wifi = scanner

	for _, capacity := range []int{300, 450, 600, DefaultCapacity} {
		b.capacity = capacity
		payload := b.Build(context.Background(), lockedPoint(), config.DefaultPublishSettings())
		if len(payload) > capacity {
			t.Errorf("Capacity %d: payload overran budget at %d bytes", capacity, len(payload))
		}
		report := parseReport(t, payload)
		list, _ := report["wps"].([]any)

		// Reconstruct the budget from where the wps block starts; entry
		// count must respect the worst-case per-entry estimate.
		prefix := indexOf(payload, `,"wps"`)
		if prefix < 0 {
			if len(list) != 0 {
				t.Fatalf("Capacity %d: wps entries without a wps block", capacity)
			}
			continue
		}
		remaining := capacity - prefix - closeReserve
		allowed := 0
		if remaining > wpsHeaderEstimate {
			allowed = (remaining - wpsHeaderEstimate) / wpsEntryEstimate
		}
		if len(list) > allowed {
			t.Errorf("Capacity %d: %d entries exceed the %d allowed by budget", capacity, len(list), allowed)
		}
		if allowed < len(scanner.aps) && len(list) != allowed {
			t.Errorf("Capacity %d: expected truncation to %d entries, got %d", capacity, allowed, len(list))
		}
	}
}

type suffixGenerator struct {
	name  string
	value int64
}

func (g suffixGenerator) Generate(w *Writer, point *gnss.LocationPoint) {
	w.Name(g.name).Int(g.value)
}

func TestBuildFieldGeneratorOrder(t *testing.T) {
	b, _ := testBuilder(t)
	b.RegisterFieldGenerator(suffixGenerator{name: "batt", value: 87})
	b.RegisterFieldGenerator(suffixGenerator{name: "temp", value: 21})

	payload := b.Build(context.Background(), lockedPoint(), config.DefaultPublishSettings())
	loc := parseReport(t, payload)["loc"].(map[string]any)
	if loc["batt"] != float64(87) || loc["temp"] != float64(21) {
		t.Errorf("Generator fields missing from loc: %v", loc)
	}

	battIdx := indexOf(payload, `"batt"`)
	tempIdx := indexOf(payload, `"temp"`)
	if battIdx < 0 || tempIdx < 0 || battIdx > tempIdx {
		t.Errorf("Generators must run in registration order: %s", payload)
	}
}

func indexOf(payload []byte, needle string) int {
	for i := 0; i+len(needle) <= len(payload); i++ {
		if string(payload[i:i+len(needle)]) == needle {
			return i
		}
	}
	return -1
}
