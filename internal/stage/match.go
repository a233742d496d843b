package stage

import (
	"time"

	"github.com/dooshek/keymapd/internal/keymap"
)

type matchResult int

const (
	noMatch matchResult = iota
	partialMatch
	fullMatch
)

type exprResult struct {
	result   matchResult
	consumed []int

	// matchedUps names the keys whose Up the pattern consumed; for the
	// trigger key it means the press is already over.
	matchedUps map[keymap.Key]bool

	// timeoutReq is set on a partial match whose next requirement is a
	// timeout; the loop is asked to arm a timer for it.
	timeoutReq time.Duration

	// consumedPlain is true when the match consumed at least one event
	// that is not already spent. A partial match that fed only on
	// DownMatched leftovers holds nothing back and must not defer
	// output or arm timers.
	consumedPlain bool
}

func (r exprResult) anchored(windowLen int) bool {
	for _, wi := range r.consumed {
		if wi == windowLen-1 {
			return true
		}
	}
	return false
}

type scanOutcome int

const (
	scanFound scanOutcome = iota
	scanBlocked
	scanExhausted
)

// matchExpr matches one input pattern against the window.
//
// A Down element consumes the next plain or DownMatched Down of the
// same key; DownMatched consumption is what lets a held modifier take
// part in several matches. An Up element consumes the release of a key
// this match pressed; per the matching model it is only legal after the
// corresponding Down. A Not element asserts the key is logically up at
// the match point. A timeout element is satisfied only by an injected
// timeout event of at least the required duration; a shorter one — the
// loop reporting that new input cut the wait short — or any real event
// arriving first invalidates the pattern.
func (s *Stage) matchExpr(expr keymap.KeySequence) exprResult {
	res := exprResult{
		consumed:   make([]int, 0, len(expr)),
		matchedUps: make(map[keymap.Key]bool),
	}
	matchedDowns := make(map[keymap.Key]bool)
	isConsumed := make(map[int]bool)
	si := 0

	for _, x := range expr {
		if x.State == keymap.Not {
			if s.keyIsDown(x.Key) {
				return exprResult{result: noMatch}
			}
			continue
		}
		if x.State == keymap.Up && x.Key != keymap.KeyTimeout && !matchedDowns[x.Key] {
			return exprResult{result: noMatch}
		}

		wi, outcome := s.scanFor(x, &si, isConsumed, matchedDowns)
		switch outcome {
		case scanBlocked:
			return exprResult{result: noMatch}
		case scanExhausted:
			res.result = partialMatch
			if x.Key == keymap.KeyTimeout {
				res.timeoutReq = x.Timeout
			}
			return res
		}

		ev := s.window[wi]
		if x.Key == keymap.KeyTimeout {
			if ev.Timeout < x.Timeout {
				return exprResult{result: noMatch}
			}
		} else if x.State == keymap.Down {
			matchedDowns[ev.Key] = true
			if ev.State == keymap.Down {
				res.consumedPlain = true
			}
		} else {
			res.matchedUps[ev.Key] = true
			res.consumedPlain = true
		}
		isConsumed[wi] = true
		res.consumed = append(res.consumed, wi)
	}

	res.result = fullMatch
	return res
}

// scanFor advances to the window event that has to account for pattern
// element x. Events that cannot concern the pattern are stepped over:
// already consumed ones, spent (DownMatched) presses of other keys,
// releases the pattern did not cause, and stray timeout events when no
// timeout is expected. A plain Down of a foreign key blocks the match;
// so does any real event while a timeout is awaited.
func (s *Stage) scanFor(x keymap.KeyEvent, si *int, isConsumed map[int]bool, matchedDowns map[keymap.Key]bool) (int, scanOutcome) {
	wantTimeout := x.Key == keymap.KeyTimeout
	for ; *si < len(s.window); *si++ {
		wi := *si
		ev := s.window[wi]
		if isConsumed[wi] {
			continue
		}

		if ev.Key == keymap.KeyTimeout {
			if wantTimeout {
				*si++
				return wi, scanFound
			}
			continue
		}

		if wantTimeout {
			if ev.State == keymap.DownMatched || (ev.State == keymap.Up && !matchedDowns[ev.Key]) {
				continue
			}
			return wi, scanBlocked
		}

		switch ev.State {
		case keymap.Down, keymap.DownMatched:
			if ev.Key == x.Key && x.State == keymap.Down {
				*si++
				return wi, scanFound
			}
			if ev.State == keymap.DownMatched {
				continue
			}
			return wi, scanBlocked
		case keymap.Up:
			if ev.Key == x.Key && x.State == keymap.Up {
				*si++
				return wi, scanFound
			}
			continue
		}
	}
	return 0, scanExhausted
}
