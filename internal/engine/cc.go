package engine

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/iltempo/conductor/internal/docmodel"
)

type mergedTarget struct {
	target ccKey
	value  int
}

// emitCCUpdatesLocked evaluates every track's CC lanes and LFOs for tick,
// merges their contributions per (channel, control) target, and dispatches
// rate-limited, idempotent Control Change messages. Grounded on
// midi_engine.py's _emit_cc_updates.
func (e *Engine) emitCCUpdatesLocked(tick int) {
	if e.doc == nil || e.stepTicks <= 0 {
		return
	}
	meta := e.doc.Meta
	spb := meta.StepsPerBar
	barTicks := e.stepTicks * spb

	e.lfosNow = nil

	for ti, tr := range e.doc.Tracks {
		ch := tr.MidiChannel
		lengthBars := tr.Pattern.LengthBars
		if lengthBars < 1 {
			lengthBars = 1
		}
		period := barTicks * lengthBars
		if period < 1 {
			period = 1
		}

		bpm := meta.Tempo
		ppq := meta.PPQ
		ticksPerSec := float64(ppq) * bpm / 60.0
		ticksPerMs := ticksPerSec / 1000.0
		posInBarTicks := 0
		if barTicks > 0 {
			posInBarTicks = mod(tick, barTicks)
		}
		posInPeriodTicks := mod(tick, period)

		baseByTarget := map[ccKey]int{}
		rangeByTarget := map[ccKey][2]int{}

		for _, lane := range tr.CcLanes {
			e.evalCCLaneLocked(lane, ch, period, posInPeriodTicks, lengthBars, barTicks, spb, baseByTarget, rangeByTarget)
		}

		lfoOffsetSum := map[ccKey]float64{}
		lfoCenterDefault := map[ccKey]int{}

		for _, lf := range tr.Lfos {
			e.evalLFOLocked(ti, lf, ch, period, barTicks, lengthBars, spb, posInBarTicks, posInPeriodTicks,
				ticksPerSec, ticksPerMs, baseByTarget, rangeByTarget, lfoOffsetSum, lfoCenterDefault)
		}

		merged := mergeTargetsLocked(baseByTarget, rangeByTarget, lfoOffsetSum, lfoCenterDefault)
		e.dispatchCCLocked(tick, merged)
	}
}

func (e *Engine) evalCCLaneLocked(lane docmodel.CcLane, ch, period, pos, lengthBars, barTicks, spb int,
	baseByTarget map[ccKey]int, rangeByTarget map[ccKey][2]int) {
	control, ok := docmodel.ResolveDest(lane.Dest)
	if !ok || len(lane.Points) == 0 {
		return
	}

	type convPoint struct {
		tt    int
		v     int
		curve string
	}
	pts := make([]convPoint, 0, len(lane.Points))
	for _, p := range lane.Points {
		tt := ccTimeToPeriodTicks(p.T, period, barTicks, lengthBars, spb, e.stepTicks)
		curve := p.Curve
		if curve == "" {
			curve = "linear"
		}
		pts = append(pts, convPoint{tt: tt, v: clampInt(p.V, 0, 127), curve: curve})
	}
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].tt < pts[j].tt })

	leftI := -1
	for i, p := range pts {
		if p.tt <= pos {
			leftI = i
		} else {
			break
		}
	}
	if leftI < 0 {
		leftI = len(pts) - 1
	}
	rightI := (leftI + 1) % len(pts)
	left, right := pts[leftI], pts[rightI]

	var baseVal int
	if lane.Mode == "hold" {
		baseVal = left.v
	} else {
		var frac float64
		if right.tt == left.tt {
			frac = 0
		} else {
			seg := right.tt - left.tt
			if seg <= 0 {
				seg += period
			}
			prog := pos - left.tt
			if prog < 0 {
				prog += period
			}
			frac = clamp01(float64(prog) / float64(maxInt(1, seg)))
		}
		eased := easeCurve(left.curve, frac)
		baseVal = roundToInt(float64(left.v) + float64(right.v-left.v)*eased)
	}

	laneCh := ch
	if lane.Channel != nil && *lane.Channel >= 0 && *lane.Channel <= 15 {
		laneCh = *lane.Channel
	}

	var hasRange bool
	var rlo, rhi int
	if len(lane.Range) == 2 {
		lo, hi := lane.Range[0], lane.Range[1]
		if lo > hi {
			lo, hi = hi, lo
		}
		baseVal = clampInt(baseVal, lo, hi)
		rlo, rhi = clampInt(lo, 0, 127), clampInt(hi, 0, 127)
		hasRange = true
	}
	baseVal = clampInt(baseVal, 0, 127)

	key := ccKey{channel: laneCh, control: control}
	baseByTarget[key] = baseVal
	if hasRange {
		if prev, exists := rangeByTarget[key]; exists {
			rangeByTarget[key] = [2]int{maxInt(prev[0], rlo), minInt(prev[1], rhi)}
		} else {
			rangeByTarget[key] = [2]int{rlo, rhi}
		}
	}
}

func (e *Engine) evalLFOLocked(ti int, lf docmodel.Lfo, ch, period, barTicks, lengthBars, spb, posInBarTicks, posInPeriodTicks int,
	ticksPerSec, ticksPerMs float64, baseByTarget map[ccKey]int, rangeByTarget map[ccKey][2]int,
	lfoOffsetSum map[ccKey]float64, lfoCenterDefault map[ccKey]int) {

	control, ok := docmodel.ResolveDest(lf.Dest)
	if !ok {
		return
	}
	lfoCh := ch
	if lf.Channel != nil && *lf.Channel >= 0 && *lf.Channel <= 15 {
		lfoCh = *lf.Channel
	}
	target := ccKey{channel: lfoCh, control: control}

	depth := clampInt(lf.Depth, 0, 127)
	amp := 0.5 * float64(depth)

	tpc := 0.0
	if lf.Rate.Hz > 0 && ticksPerSec > 0 {
		tpc = ticksPerSec / lf.Rate.Hz
	}
	if tpc <= 0 && lf.Rate.Sync != "" {
		tpc = parseSyncTPC(lf.Rate.Sync, barTicks)
	}
	if tpc <= 0 {
		if barTicks > 0 {
			tpc = float64(barTicks) / 8.0
		} else {
			tpc = 1.0
		}
	}

	var frac float64
	if tpc > 0 {
		cyclePos := math.Mod(float64(posInBarTicks)+lf.Phase*tpc, tpc)
		if cyclePos < 0 {
			cyclePos += tpc
		}
		frac = cyclePos / tpc
	}

	shape := strings.ToLower(lf.Shape)
	lfoKeyBase := lf.ID
	if lfoKeyBase == "" {
		lfoKeyBase = fmt.Sprintf("%d@%d", control, lfoCh)
	}
	stateKey := fmt.Sprintf("%d:%s", ti, lfoKeyBase)

	var norm float64
	switch shape {
	case "sine":
		norm = math.Sin(2 * math.Pi * frac)
	case "triangle", "tri":
		norm = 1 - 4*math.Abs(frac-0.5)
	case "ramp", "rise":
		norm = 2*frac - 1
	case "saw", "fall":
		norm = 1 - 2*frac
	case "square", "pulse":
		if frac >= 0.5 {
			norm = 1
		} else {
			norm = -1
		}
	case "samplehold", "sample-and-hold", "s&h":
		st, exists := e.lfoState[stateKey]
		if !exists {
			st = &lfoRuntimeState{}
			e.lfoState[stateKey] = st
		}
		if !st.haveLastFrac || frac < st.lastFrac {
			st.value = e.rng.Float64()*2 - 1
		}
		st.lastFrac = frac
		st.haveLastFrac = true
		norm = st.value
	default:
		norm = 1 - 4*math.Abs(frac-0.5)
	}

	centerForUI := lf.OffsetOrDefault()
	if baseVal, exists := baseByTarget[target]; exists {
		centerForUI = baseVal
	}

	active := true
	var ageFromWindowMs float64
	haveWindowAge := false
	if len(lf.On) > 0 {
		active = false
		for _, w := range lf.On {
			a := ccTimeToPeriodTicks(w.From, period, barTicks, lengthBars, spb, e.stepTicks)
			b := ccTimeToPeriodTicks(w.To, period, barTicks, lengthBars, spb, e.stepTicks)
			var inWin bool
			var ageTicks int
			haveAge := false
			if a <= b {
				inWin = a <= posInPeriodTicks && posInPeriodTicks <= b
				if inWin {
					ageTicks, haveAge = posInPeriodTicks-a, true
				}
			} else {
				inWin = posInPeriodTicks >= a || posInPeriodTicks <= b
				if posInPeriodTicks >= a {
					ageTicks, haveAge = posInPeriodTicks-a, true
				} else if posInPeriodTicks <= b {
					ageTicks, haveAge = (period-a)+posInPeriodTicks, true
				}
			}
			if inWin {
				active = true
				if haveAge && ticksPerMs > 0 {
					ageFromWindowMs = float64(ageTicks) / ticksPerMs
					haveWindowAge = true
				}
				break
			}
		}
	}

	if !active {
		e.lfosNow = append(e.lfosNow, LFOSnapshot{
			Track: ti, LfoID: lf.ID, DestCtrl: control, HasDest: true, DestString: lf.Dest,
			Channel: lfoCh, Shape: shape, Depth: depth, Offset: lf.OffsetOrDefault(),
			Center: centerForUI, Active: false, Value: centerForUI,
		})
		return
	}

	gain := 1.0
	if lf.FadeMs > 0 && ticksPerMs > 0 {
		ageMs := float64(posInBarTicks) / ticksPerMs
		if haveWindowAge && ageFromWindowMs < ageMs {
			ageMs = ageFromWindowMs
		}
		gain = clamp01(ageMs / float64(lf.FadeMs))
	}

	contribution := norm * amp * gain
	lfoOffsetSum[target] += contribution
	if _, hasBase := baseByTarget[target]; !hasBase {
		if _, exists := lfoCenterDefault[target]; !exists {
			lfoCenterDefault[target] = lf.OffsetOrDefault()
		}
	}

	valueUI := clampInt(roundToInt(float64(centerForUI)+contribution), 0, 127)
	if rng, exists := rangeByTarget[target]; exists {
		valueUI = clampInt(valueUI, rng[0], rng[1])
	}
	e.lfosNow = append(e.lfosNow, LFOSnapshot{
		Track: ti, LfoID: lf.ID, DestCtrl: control, HasDest: true, DestString: lf.Dest,
		Channel: lfoCh, Shape: shape, Depth: depth, Offset: lf.OffsetOrDefault(),
		Center: centerForUI, Active: true, Value: valueUI,
	})
}

func mergeTargetsLocked(baseByTarget map[ccKey]int, rangeByTarget map[ccKey][2]int,
	lfoOffsetSum map[ccKey]float64, lfoCenterDefault map[ccKey]int) []mergedTarget {

	seen := map[ccKey]bool{}
	var targets []ccKey
	for k := range baseByTarget {
		if !seen[k] {
			seen[k] = true
			targets = append(targets, k)
		}
	}
	for k := range lfoOffsetSum {
		if !seen[k] {
			seen[k] = true
			targets = append(targets, k)
		}
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].channel != targets[j].channel {
			return targets[i].channel < targets[j].channel
		}
		return targets[i].control < targets[j].control
	})

	out := make([]mergedTarget, 0, len(targets))
	for _, t := range targets {
		center, hasBase := baseByTarget[t]
		if !hasBase {
			center = 64
			if c, ok := lfoCenterDefault[t]; ok {
				center = c
			}
		}
		value := roundToInt(float64(center) + lfoOffsetSum[t])
		if rng, exists := rangeByTarget[t]; exists {
			value = clampInt(value, rng[0], rng[1])
		}
		value = clampInt(value, 0, 127)
		out = append(out, mergedTarget{target: t, value: value})
	}
	return out
}

func (e *Engine) dispatchCCLocked(tick int, merged []mergedTarget) {
	if e.lastCCTick != tick || !e.haveCCTick {
		e.lastCCTick = tick
		e.haveCCTick = true
		e.ccSentGlobal = 0
		e.ccSentTrack = make(map[int]int)
	}

	for _, m := range merged {
		perTrack := e.ccSentTrack[m.target.channel]
		if perTrack >= e.limits.CCPerTickTrack || e.ccSentGlobal >= e.limits.CCPerTickGlobal {
			e.metrics.ShedCC++
			continue
		}
		if last, ok := e.lastCC[m.target]; ok && last == m.value {
			continue
		}
		if err := e.snk.ControlChange(m.target.channel, m.target.control, m.value); err != nil {
			e.metrics.ShedCC++
			continue
		}
		e.metrics.MsgsCC++
		e.lastCC[m.target] = m.value
		e.ccSentGlobal++
		e.ccSentTrack[m.target.channel] = perTrack + 1
	}
}

func ccTimeToPeriodTicks(t docmodel.CcTime, period, barTicks, lengthBars, spb, stepTicks int) int {
	if t.Ticks != nil {
		return mod(*t.Ticks, period)
	}
	return mod(mod(t.Bar, lengthBars)*barTicks+mod(t.Step, spb)*stepTicks, period)
}

func parseSyncTPC(sync string, barTicks int) float64 {
	if barTicks <= 0 {
		return 0
	}
	s := strings.ToUpper(strings.TrimSpace(sync))
	triple := strings.HasSuffix(s, "T")
	if triple {
		s = s[:len(s)-1]
	}
	idx := strings.Index(s, "/")
	if idx < 0 {
		return 0
	}
	denom, err := strconv.Atoi(s[idx+1:])
	if err != nil || denom <= 0 {
		return 0
	}
	eff := float64(denom)
	if triple {
		eff = eff * 3.0 / 2.0
	}
	return float64(barTicks) / eff
}

func easeCurve(curve string, frac float64) float64 {
	switch strings.ToLower(curve) {
	case "linear", "line":
		return frac
	case "exp", "exponential":
		return frac * frac
	case "log", "logarithmic":
		return math.Sqrt(frac)
	case "s-curve", "scurve", "smoothstep":
		return 3*frac*frac - 2*frac*frac*frac
	default:
		return frac
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
