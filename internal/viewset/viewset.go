// Package viewset generates viewpoint lists for render requests.
package viewset

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/jnyjxn/angiogen-render/internal/model"
)

const (
	KindEquidistant = "equidistant"
	KindRandom      = "random"
)

// MaxCount bounds generated view sets.
const MaxCount = 10000

// Equidistant samples roughly n viewpoints spread with equal area over the sphere,
// returned as (180 - theta, phi) in degrees.
func Equidistant(n int) []model.AnglePair {
	if n <= 0 {
		return nil
	}
	a := 4 * math.Pi / float64(n)
	d := math.Sqrt(a)

	mTheta := int(math.Round(math.Pi / d))
	dTheta := math.Pi / float64(mTheta)
	dPhi := a / dTheta

	var out []model.AnglePair
	for m := 0; m < mTheta-1; m++ {
		theta := math.Pi * (float64(m) + 0.5) / float64(mTheta)
		mPhi := int(math.Round(2 * math.Pi * math.Sin(theta) / dPhi))
		for k := 0; k < mPhi-1; k++ {
			phi := 2 * math.Pi * (float64(k) + 0.5) / float64(mPhi)
			out = append(out, model.AnglePair{
				180 - theta*180/math.Pi,
				phi * 180 / math.Pi,
			})
		}
	}
	return out
}

// Random draws n uniformly distributed viewpoints; the same seed yields the same list.
func Random(n int, seed uint64) []model.AnglePair {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := make([]model.AnglePair, 0, max(n, 0))
	for i := 0; i < n; i++ {
		theta := 360 * rng.Float64()
		phi := 180 * math.Acos(2*rng.Float64()-1) / math.Pi
		out = append(out, model.AnglePair{theta, phi})
	}
	return out
}

// Generate dispatches on g.Kind.
func Generate(g model.Generator) ([]model.AnglePair, error) {
	if g.Count <= 0 || g.Count > MaxCount {
		return nil, fmt.Errorf("generator count must be in [1, %d], got %d", MaxCount, g.Count)
	}
	switch g.Kind {
	case KindEquidistant:
		return Equidistant(g.Count), nil
	case KindRandom:
		return Random(g.Count, g.Seed), nil
	default:
		return nil, fmt.Errorf("unknown generator kind %q", g.Kind)
	}
}

// Expand replaces generators with explicit angles; explicit angles are kept and generated ones appended.
func Expand(sets []model.ViewSet) ([]model.ViewSet, error) {
	out := make([]model.ViewSet, 0, len(sets))
	for _, set := range sets {
		angles := append([]model.AnglePair(nil), set.Angles...)
		if set.Generator != nil {
			gen, err := Generate(*set.Generator)
			if err != nil {
				return nil, fmt.Errorf("view set %q: %w", set.Name, err)
			}
			angles = append(angles, gen...)
		}
		if len(angles) == 0 {
			return nil, fmt.Errorf("view set %q: no viewpoints", set.Name)
		}
		out = append(out, model.ViewSet{Name: set.Name, Angles: angles})
	}
	return out, nil
}
