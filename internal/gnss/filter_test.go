package gnss

import (
	"testing"
	"time"
)

func TestFilterStableAfterSettledUpdates(t *testing.T) {
	f := NewFilter()
	at := time.Unix(1700000000, 0)

	// Priming sample.
	f.Update(LocationPoint{Latitude: 45.0, Longitude: 9.0}, at)
	if f.Stable() {
		t.Fatal("filter stable after a single sample")
	}

	// Repeated samples at the same spot settle the innovation.
	for i := 0; i < defaultStableSamples; i++ {
		at = at.Add(time.Second)
		f.Update(LocationPoint{Latitude: 45.0, Longitude: 9.0}, at)
	}
	if !f.Stable() {
		t.Error("filter not stable after settled updates")
	}
}

func TestFilterJumpResetsStability(t *testing.T) {
	f := NewFilter()
	at := time.Unix(1700000000, 0)

	f.Update(LocationPoint{Latitude: 45.0, Longitude: 9.0}, at)
	for i := 0; i < defaultStableSamples; i++ {
		at = at.Add(time.Second)
		f.Update(LocationPoint{Latitude: 45.0, Longitude: 9.0}, at)
	}
	if !f.Stable() {
		t.Fatal("filter not stable before jump")
	}

	// A ~1 km jump is far outside the innovation threshold.
	at = at.Add(time.Second)
	f.Update(LocationPoint{Latitude: 45.01, Longitude: 9.0}, at)
	if f.Stable() {
		t.Error("filter still stable after a position jump")
	}
}

func TestFilterReset(t *testing.T) {
	f := NewFilter()
	at := time.Unix(1700000000, 0)
	for i := 0; i < defaultStableSamples+1; i++ {
		f.Update(LocationPoint{Latitude: 45.0, Longitude: 9.0}, at)
		at = at.Add(time.Second)
	}

	f.Reset()
	if f.Stable() {
		t.Error("filter stable after reset")
	}
}

func TestHaversine(t *testing.T) {
	// One degree of latitude is ~111 km.
	d := haversine(45.0, 9.0, 46.0, 9.0)
	if d < 110000 || d > 112000 {
		t.Errorf("haversine(45,9 -> 46,9) = %.0f m, want ~111 km", d)
	}

	if d := haversine(45.0, 9.0, 45.0, 9.0); d != 0 {
		t.Errorf("haversine of identical points = %f, want 0", d)
	}
}
