package stage

import (
	"time"

	"github.com/dooshek/keymapd/internal/keymap"
)

// Stage is the mapping state machine. It consumes key events together
// with the index of the originating device and produces the remapped
// output sequence. All state lives here: the rolling input window, the
// set of logically held output keys and the per-context device
// bitmaps. The stage never fails; it always returns a (possibly empty)
// sequence.
type Stage struct {
	cfg    *keymap.Config
	active []bool

	// deviceMatch[ci][di] is true when context ci applies to grabbed
	// device di. nil until EvaluateDeviceFilters ran.
	deviceMatch [][]bool

	window     []keymap.KeyEvent
	outputDown []outputEntry

	exit  bool
	spare keymap.KeySequence
}

// outputEntry records an emitted Down that awaits its balancing Up.
// trigger is the input key whose release emits the Up.
type outputEntry struct {
	key     keymap.Key
	trigger keymap.Key
}

func New(cfg *keymap.Config) *Stage {
	s := &Stage{cfg: cfg}
	s.active = make([]bool, len(cfg.Contexts))
	for i := range cfg.Contexts {
		s.active[i] = cfg.Contexts[i].Active
	}
	return s
}

// HasMouseMappings reports whether pointer devices need to be grabbed
// for this configuration.
func (s *Stage) HasMouseMappings() bool {
	return s.cfg.HasMouseMappings()
}

// ShouldExit reports whether an exit mapping has fired.
func (s *Stage) ShouldExit() bool {
	return s.exit
}

// IsOutputDown reports whether any physical key is currently held down
// on the output side. While it is, configuration swaps are deferred.
func (s *Stage) IsOutputDown() bool {
	for _, e := range s.outputDown {
		if e.key.IsPhysical() {
			return true
		}
	}
	return false
}

// SetActiveContexts replaces the set of active context indices.
func (s *Stage) SetActiveContexts(indices []int) {
	for i := range s.active {
		s.active[i] = false
	}
	for _, i := range indices {
		if i >= 0 && i < len(s.active) {
			s.active[i] = true
		}
	}
}

// EvaluateDeviceFilters recomputes which grabbed devices each context
// applies to. Must be called whenever the device list changes.
func (s *Stage) EvaluateDeviceFilters(deviceNames []string) {
	s.deviceMatch = make([][]bool, len(s.cfg.Contexts))
	for ci := range s.cfg.Contexts {
		match := make([]bool, len(deviceNames))
		for di, name := range deviceNames {
			match[di] = s.cfg.Contexts[ci].Filter.Matches(name)
		}
		s.deviceMatch[ci] = match
	}
}

func (s *Stage) contextApplies(ci, deviceIndex int) bool {
	if !s.active[ci] {
		return false
	}
	if deviceIndex == keymap.NoDeviceIndex || s.deviceMatch == nil {
		return true
	}
	if deviceIndex < 0 || deviceIndex >= len(s.deviceMatch[ci]) {
		return false
	}
	return s.deviceMatch[ci][deviceIndex]
}

// ReuseBuffer returns ownership of a sequence previously produced by
// Update, allowing the next call to reuse its backing array.
func (s *Stage) ReuseBuffer(seq keymap.KeySequence) {
	if seq != nil {
		s.spare = seq[:0]
	}
}

// Update translates one input event. The returned sequence may contain
// physical key events, virtual key toggles, action keys, output delays
// and, as last element only, an input-timeout marker.
func (s *Stage) Update(event keymap.KeyEvent, deviceIndex int) keymap.KeySequence {
	out := s.spare
	s.spare = nil
	if out == nil {
		out = make(keymap.KeySequence, 0, 8)
	}
	out = out[:0]

	switch {
	case event.Key == keymap.KeyTimeout:
		// The loop either reports the timer firing or, with a shorter
		// duration, that new input cut a pending wait short.
		s.window = append(s.window, event)
		out = s.matchRound(deviceIndex, out)
		s.dropTimeoutEvents()

	case event.State == keymap.Down:
		if s.findDown(event.Key) >= 0 {
			break // key repeat
		}
		s.window = append(s.window, keymap.KeyEvent{Key: event.Key, State: keymap.Down})
		out = s.matchRound(deviceIndex, out)

	case event.State == keymap.Up:
		wi := s.findDown(event.Key)
		if wi < 0 {
			// Pressed before the grab; forward verbatim.
			out = append(out, keymap.KeyEvent{Key: event.Key, State: keymap.Up})
			break
		}
		if event.Key.IsVirtual() || s.window[wi].State == keymap.DownMatched {
			// Virtual key feedback clears the latch from the window
			// unconditionally; a released latch must not keep matching.
			out = s.releaseKey(event.Key, out)
			break
		}
		s.window = append(s.window, keymap.KeyEvent{Key: event.Key, State: keymap.Up})
		out = s.matchRound(deviceIndex, out)
	}
	return out
}

// findDown returns the window index of the unreleased Down for key, or
// -1. An entry counts as unreleased while no later Up entry names it.
func (s *Stage) findDown(key keymap.Key) int {
	for i := len(s.window) - 1; i >= 0; i-- {
		ev := s.window[i]
		if ev.Key != key {
			continue
		}
		if ev.State == keymap.Up {
			return -1
		}
		return i
	}
	return -1
}

func (s *Stage) keyIsDown(key keymap.Key) bool {
	return s.findDown(key) >= 0
}

func (s *Stage) dropTimeoutEvents() {
	kept := s.window[:0]
	for _, ev := range s.window {
		if ev.Key != keymap.KeyTimeout {
			kept = append(kept, ev)
		}
	}
	s.window = kept
}

// matchRound finds the best mapping for the current window. Without a
// full or partial match the oldest held event is forwarded as itself
// and the remaining window is matched again, so held-back prefixes
// drain in input order.
func (s *Stage) matchRound(deviceIndex int, out keymap.KeySequence) keymap.KeySequence {
	for {
		best, partial, timeoutReq := s.findMatch(deviceIndex)
		if best != nil {
			return s.applyMatch(best, out)
		}
		if partial {
			if timeoutReq > 0 {
				out = append(out, keymap.InputTimeoutEvent(timeoutReq))
			}
			return out
		}
		var forwarded bool
		out, forwarded = s.forwardFirst(out)
		if !forwarded {
			return out
		}
	}
}

// candidate is a full match; precedence is later context, then longer
// consumed window, then earlier declaration.
type candidate struct {
	ci, mi   int
	mapping  *keymap.Mapping
	consumed []int
	ups      map[keymap.Key]bool
}

func (c *candidate) betterThan(o *candidate) bool {
	if o == nil {
		return true
	}
	if c.ci != o.ci {
		return c.ci > o.ci
	}
	if len(c.consumed) != len(o.consumed) {
		return len(c.consumed) > len(o.consumed)
	}
	return c.mi < o.mi
}

// findMatch scans every applicable mapping. A full match is only valid
// when it consumes the newest window event; this anchors matches to the
// input that completed them and keeps already-fired mappings from
// firing again off their DownMatched remains.
func (s *Stage) findMatch(deviceIndex int) (best *candidate, partial bool, timeoutReq time.Duration) {
	var timeoutCand *candidate
	for ci := range s.cfg.Contexts {
		if !s.contextApplies(ci, deviceIndex) {
			continue
		}
		ctx := &s.cfg.Contexts[ci]
		for mi := range ctx.Mappings {
			m := &ctx.Mappings[mi]
			res := s.matchExpr(m.Input)
			switch res.result {
			case fullMatch:
				if !res.anchored(len(s.window)) {
					continue
				}
				cand := &candidate{ci: ci, mi: mi, mapping: m, consumed: res.consumed, ups: res.matchedUps}
				if cand.betterThan(best) {
					best = cand
				}
			case partialMatch:
				if !res.consumedPlain {
					continue
				}
				partial = true
				if res.timeoutReq > 0 {
					cand := &candidate{ci: ci, mi: mi, mapping: m}
					if timeoutCand == nil || cand.ci > timeoutCand.ci ||
						(cand.ci == timeoutCand.ci && cand.mi < timeoutCand.mi) {
						timeoutCand = cand
						timeoutReq = res.timeoutReq
					}
				}
			}
		}
	}
	if best != nil {
		return best, false, 0
	}
	return nil, partial, timeoutReq
}

// applyMatch marks the consumed window events, emits the resolved
// output sequence and tracks the emitted Downs against the trigger key
// (the last consumed Down). A trigger already released balances its
// outputs immediately.
func (s *Stage) applyMatch(c *candidate, out keymap.KeySequence) keymap.KeySequence {
	var trigger keymap.Key
	consumedDowns := make([]keymap.Key, 0, len(c.consumed))
	for _, wi := range c.consumed {
		ev := &s.window[wi]
		if ev.Key == keymap.KeyTimeout {
			continue
		}
		switch ev.State {
		case keymap.Down, keymap.DownMatched:
			ev.State = keymap.DownMatched
			consumedDowns = append(consumedDowns, ev.Key)
			trigger = ev.Key
		}
	}

	// Consumed Ups and timeout events leave the window; so do matched
	// Downs whose release already happened inside the window.
	removed := make(map[int]bool)
	for _, wi := range c.consumed {
		ev := s.window[wi]
		if ev.State == keymap.Up || ev.Key == keymap.KeyTimeout {
			removed[wi] = true
		}
	}
	for _, key := range consumedDowns {
		if c.ups[key] {
			for wi, ev := range s.window {
				if ev.Key == key && !removed[wi] {
					removed[wi] = true
				}
			}
		}
	}
	if len(removed) > 0 {
		kept := s.window[:0]
		for wi, ev := range s.window {
			if !removed[wi] {
				kept = append(kept, ev)
			}
		}
		s.window = kept
	}
	s.pruneReleasedPairs()

	output := s.resolveOutput(c.mapping)
	for _, ev := range output {
		if ev.Key == keymap.KeyExit {
			if ev.State == keymap.Down {
				s.exit = true
			}
			continue
		}
		out = append(out, ev)
		switch {
		case ev.Key == keymap.KeyTimeout:
		case ev.State == keymap.Down:
			s.outputDown = append(s.outputDown, outputEntry{key: ev.Key, trigger: trigger})
		case ev.State == keymap.Up:
			s.dropOutputEntry(ev.Key)
		}
	}

	if c.ups[trigger] {
		out = s.releaseTrigger(trigger, out)
	}
	return out
}

// resolveOutput looks up a command override for a named mapping,
// searching active contexts from last to first, falling back to the
// mapping's own output.
func (s *Stage) resolveOutput(m *keymap.Mapping) keymap.KeySequence {
	if m.Name == "" {
		return m.Output
	}
	for ci := len(s.cfg.Contexts) - 1; ci >= 0; ci-- {
		if !s.active[ci] {
			continue
		}
		if seq, ok := s.cfg.Contexts[ci].CommandOverrides[m.Name]; ok {
			return seq
		}
	}
	return m.Output
}

// pruneReleasedPairs drops consumed presses whose release the match
// scanned past. The key is physically up; leaving the pair behind would
// shadow a later press of the same key.
func (s *Stage) pruneReleasedPairs() {
	skip := make(map[int]bool)
	for wi, ev := range s.window {
		if ev.State != keymap.Up {
			continue
		}
		for pj := wi - 1; pj >= 0; pj-- {
			if s.window[pj].Key != ev.Key {
				continue
			}
			if s.window[pj].State == keymap.DownMatched && !skip[pj] {
				skip[pj] = true
				skip[wi] = true
			}
			break
		}
	}
	if len(skip) == 0 {
		return
	}
	kept := s.window[:0]
	for wi, ev := range s.window {
		if !skip[wi] {
			kept = append(kept, ev)
		}
	}
	s.window = kept
}

// releaseKey handles the physical release of a matched or forwarded
// key: the outputs it triggered are released in reverse order and its
// window entries are removed.
func (s *Stage) releaseKey(key keymap.Key, out keymap.KeySequence) keymap.KeySequence {
	out = s.releaseTrigger(key, out)
	kept := s.window[:0]
	for _, ev := range s.window {
		if ev.Key != key {
			kept = append(kept, ev)
		}
	}
	s.window = kept
	return out
}

func (s *Stage) releaseTrigger(trigger keymap.Key, out keymap.KeySequence) keymap.KeySequence {
	for i := len(s.outputDown) - 1; i >= 0; i-- {
		if s.outputDown[i].trigger != trigger {
			continue
		}
		out = append(out, keymap.KeyEvent{Key: s.outputDown[i].key, State: keymap.Up})
		s.outputDown = append(s.outputDown[:i], s.outputDown[i+1:]...)
	}
	return out
}

func (s *Stage) dropOutputEntry(key keymap.Key) {
	for i := len(s.outputDown) - 1; i >= 0; i-- {
		if s.outputDown[i].key == key {
			s.outputDown = append(s.outputDown[:i], s.outputDown[i+1:]...)
			return
		}
	}
}

// forwardFirst emits the oldest held window event as itself. Virtual
// keys are latches, not output; they are marked consumed silently.
func (s *Stage) forwardFirst(out keymap.KeySequence) (keymap.KeySequence, bool) {
	for wi := 0; wi < len(s.window); wi++ {
		ev := s.window[wi]
		switch {
		case ev.State == keymap.DownMatched:
			continue
		case ev.Key == keymap.KeyTimeout:
			s.window = append(s.window[:wi], s.window[wi+1:]...)
			return out, true
		case ev.State == keymap.Down && ev.Key.IsVirtual():
			s.window[wi].State = keymap.DownMatched
			return out, true
		case ev.State == keymap.Down:
			out = append(out, keymap.KeyEvent{Key: ev.Key, State: keymap.Down})
			s.outputDown = append(s.outputDown, outputEntry{key: ev.Key, trigger: ev.Key})
			s.window[wi].State = keymap.DownMatched
			return out, true
		default: // Up of a key forwarded or matched above
			return s.releaseKey(ev.Key, out), true
		}
	}
	return out, false
}
