// Package chmap builds routing matrices between a client's channel layout
// and a device's channel layout.
package chmap

import "github.com/sndsrv/sndsrv/internal/aio"

// Position names a channel's role within a layout. Values mirror the
// source's dspd_pcm_chmap_positions enum closely enough to keep the same
// ordering and "Last" bound, trimmed to the positions this engine's
// policies actually reason about.
type Position uint8

const (
	Unknown Position = iota
	NA
	Mono
	FL
	FR
	RL
	RR
	FC
	LFE
	SL
	SR
	RC
	FLC
	FRC
	RLC
	RRC
	Last = RRC
)

// Map is a channel layout: one Position per channel index.
type Map struct {
	Positions []Position
}

func (m Map) Channels() int { return len(m.Positions) }

func (m Map) indexOf(p Position) (int, bool) {
	for i, q := range m.Positions {
		if q == p {
			return i, true
		}
	}
	return 0, false
}

// Entry is one row of a routing matrix: output channel OutIdx receives
// Weight * input channel InIdx. Multiple entries with the same OutIdx are
// summed (a combine); multiple entries with the same InIdx feeding
// different OutIdx are a split.
type Entry struct {
	InIdx  int
	OutIdx int
	Weight float64
}

// Route is the routing matrix produced by Build.
type Route struct {
	Entries []Entry
	InChan  int
	OutChan int
}

// Build produces the routing matrix translating in's layout to out's
// layout, applying the engine's four routing policies: 1→N broadcast,
// 2→1 average, N≥M taking the first M channels by index, and N<M
// duplicating the last input channel into the extra outputs. Apart from
// the 1→N case, channels are matched by index, not by position. capture indicates
// the data direction is device→application (affects the 1→N fallback,
// which swaps in/out when nothing else matches so a capture stream
// distributes one device channel to every application channel instead of
// only the first).
func Build(in, out Map, capture bool) (Route, error) {
	if err := validate(in); err != nil {
		return Route{}, err
	}
	if err := validate(out); err != nil {
		return Route{}, err
	}

	n, m := in.Channels(), out.Channels()
	r := Route{InChan: n, OutChan: m}

	switch {
	case n == 1:
		r.Entries = route1ToN(in, out, capture)
	case n == 2 && m == 1:
		r.Entries = []Entry{
			{InIdx: 0, OutIdx: 0, Weight: 0.5},
			{InIdx: 1, OutIdx: 0, Weight: 0.5},
		}
	case n >= m:
		for i := 0; i < m; i++ {
			r.Entries = append(r.Entries, Entry{InIdx: i, OutIdx: i, Weight: 1})
		}
	default: // n < m
		for i := 0; i < n; i++ {
			r.Entries = append(r.Entries, Entry{InIdx: i, OutIdx: i, Weight: 1})
		}
		for i := n; i < m; i++ {
			r.Entries = append(r.Entries, Entry{InIdx: n - 1, OutIdx: i, Weight: 1})
		}
	}
	return r, nil
}

func route1ToN(in, out Map, capture bool) []Entry {
	var targets []int
	for _, p := range []Position{FL, FR, FC} {
		if idx, ok := out.indexOf(p); ok {
			targets = append(targets, idx)
		}
	}
	if len(targets) > 0 {
		entries := make([]Entry, 0, len(targets))
		for _, idx := range targets {
			entries = append(entries, Entry{InIdx: 0, OutIdx: idx, Weight: 1})
		}
		return entries
	}
	if out.Channels() > 0 && !capture {
		return []Entry{{InIdx: 0, OutIdx: 0, Weight: 1}}
	}
	// Capture fallback: distribute the single device channel to every
	// application channel (in/out roles swapped relative to playback).
	entries := make([]Entry, 0, out.Channels())
	for i := 0; i < out.Channels(); i++ {
		entries = append(entries, Entry{InIdx: 0, OutIdx: i, Weight: 1})
	}
	return entries
}

func validate(m Map) error {
	n := m.Channels()
	if n == 0 || n > int(Last)+1 {
		return aio.ErrDom
	}
	return nil
}

// Apply routes in (length route.InChan) into a freshly allocated output
// vector of length route.OutChan, summing weighted contributions.
func Apply(route Route, in []float64) []float64 {
	out := make([]float64, route.OutChan)
	for _, e := range route.Entries {
		out[e.OutIdx] += e.Weight * in[e.InIdx]
	}
	return out
}

// Invert reverses an injective (one input per output, weight 1) route,
// recovering the original input vector from a routed output vector. It is
// only meaningful for routes the identity/N>=M/N<M-duplicate policies
// produce when every input channel maps to exactly one output channel
// with weight 1 (an out-covers-in layout always lands in this shape);
// combining/averaging routes like 2→1 are not invertible: Invert ignores
// every entry whose weight is not 1.
func Invert(route Route, out []float64) []float64 {
	in := make([]float64, route.InChan)
	seen := make([]bool, route.InChan)
	for _, e := range route.Entries {
		if e.Weight == 1 && !seen[e.InIdx] {
			in[e.InIdx] = out[e.OutIdx]
			seen[e.InIdx] = true
		}
	}
	return in
}
