package gnss

import (
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

const (
	defaultProcessNoise     = 0.01 // expected acceleration
	defaultMeasurementNoise = 10.0 // GPS accuracy, meters
	defaultStableInnovation = 5.0  // meters of residual considered settled
	defaultStableSamples    = 3    // consecutive settled updates before stable
	earthRadius             = 6371000
)

// Filter smooths raw fixes with a constant-velocity Kalman model and decides
// when the fix variance has settled enough to call the position stable.
// State vector: [lat, lon, lat_vel, lon_vel].
type Filter struct {
	processNoise     float64
	measurementNoise float64
	stableInnovation float64
	stableSamples    int

	state      *mat.VecDense
	covariance *mat.Dense
	primed     bool
	settled    int
	lastUpdate time.Time
}

func NewFilter() *Filter {
	return &Filter{
		processNoise:     defaultProcessNoise,
		measurementNoise: defaultMeasurementNoise,
		stableInnovation: defaultStableInnovation,
		stableSamples:    defaultStableSamples,
		state:            mat.NewVecDense(4, nil),
		covariance:       mat.NewDense(4, 4, nil),
	}
}

// Reset clears the filter state for a new wake cycle.
func (f *Filter) Reset() {
	f.primed = false
	f.settled = 0
	f.state.Zero()
	f.covariance.Zero()
}

// Stable reports whether enough consecutive updates landed inside the
// innovation threshold.
func (f *Filter) Stable() bool {
	return f.settled >= f.stableSamples
}

// Update folds a raw sample into the filter and returns the smoothed
// latitude/longitude. The raw point is returned unchanged until the filter
// is primed.
func (f *Filter) Update(raw LocationPoint, at time.Time) (lat, lon float64) {
	if raw.Latitude == 0 && raw.Longitude == 0 {
		return raw.Latitude, raw.Longitude
	}

	if !f.primed {
		f.state.SetVec(0, raw.Latitude)
		f.state.SetVec(1, raw.Longitude)
		f.covariance.Set(0, 0, f.measurementNoise*f.measurementNoise)
		f.covariance.Set(1, 1, f.measurementNoise*f.measurementNoise)
		f.covariance.Set(2, 2, 1.0)
		f.covariance.Set(3, 3, 1.0)
		f.primed = true
		f.settled = 0
		f.lastUpdate = at
		return raw.Latitude, raw.Longitude
	}

	dt := at.Sub(f.lastUpdate).Seconds()
	if dt <= 0 {
		dt = 1.0
	}
	f.lastUpdate = at

	// Predict
	F := mat.NewDense(4, 4, []float64{
		1, 0, dt, 0,
		0, 1, 0, dt,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
	q := f.processNoise
	Q := mat.NewDense(4, 4, []float64{
		0.25 * dt * dt * dt * dt * q, 0, 0.5 * dt * dt * dt * q, 0,
		0, 0.25 * dt * dt * dt * dt * q, 0, 0.5 * dt * dt * dt * q,
		0.5 * dt * dt * dt * q, 0, dt * dt * q, 0,
		0, 0.5 * dt * dt * dt * q, 0, dt * dt * q,
	})

	xPred := mat.NewVecDense(4, nil)
	xPred.MulVec(F, f.state)
	pPred := mat.NewDense(4, 4, nil)
	pPred.Product(F, f.covariance, F.T())
	pPred.Add(pPred, Q)

	// Update
	z := mat.NewVecDense(2, []float64{raw.Latitude, raw.Longitude})
	H := mat.NewDense(2, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
	})
	R := mat.NewDense(2, 2, []float64{
		f.measurementNoise * f.measurementNoise, 0,
		0, f.measurementNoise * f.measurementNoise,
	})

	y := mat.NewVecDense(2, nil)
	var hx mat.VecDense
	hx.MulVec(H, xPred)
	y.SubVec(z, &hx)

	S := mat.NewDense(2, 2, nil)
	var hpht mat.Dense
	hpht.Product(H, pPred, H.T())
	S.Add(&hpht, R)

	var sInv mat.Dense
	if err := sInv.Inverse(S); err != nil {
		// Singular innovation covariance: keep the prediction.
		f.state.CopyVec(xPred)
		f.covariance.Copy(pPred)
		f.settled = 0
		return xPred.AtVec(0), xPred.AtVec(1)
	}

	K := mat.NewDense(4, 2, nil)
	var pht mat.Dense
	pht.Mul(pPred, H.T())
	K.Mul(&pht, &sInv)

	var ky mat.VecDense
	ky.MulVec(K, y)
	f.state.AddVec(xPred, &ky)

	ident := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		ident.Set(i, i, 1)
	}
	var kh, ikh mat.Dense
	kh.Mul(K, H)
	ikh.Sub(ident, &kh)
	f.covariance.Mul(&ikh, pPred)

	// Stability: residual distance between prediction and measurement.
	innovation := haversine(xPred.AtVec(0), xPred.AtVec(1), raw.Latitude, raw.Longitude)
	if innovation < f.stableInnovation {
		f.settled++
	} else {
		f.settled = 0
	}

	return f.state.AtVec(0), f.state.AtVec(1)
}

// haversine returns the great-circle distance in meters.
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * (math.Pi / 180.0)
	dLon := (lon2 - lon1) * (math.Pi / 180.0)

	lat1Rad := lat1 * (math.Pi / 180.0)
	lat2Rad := lat2 * (math.Pi / 180.0)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Sin(dLon/2)*math.Sin(dLon/2)*math.Cos(lat1Rad)*math.Cos(lat2Rad)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadius * c
}
