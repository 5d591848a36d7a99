// Package safemode implements the state machine that keeps the namespace
// read-mostly until enough blocks are reported safe and enough datanodes are
// alive.
//
// States:
//
//	off      reached == -1 (mutations allowed)
//	on       reached == 0  (threshold not reached yet)
//	extended reached  > 0  (threshold reached at that time; waiting for the
//	                        extension to pass)
//
// A manual safe mode never leaves on its own.
package safemode

import (
	"math"
	"sync"
	"time"

	"github.com/marmos91/dittons/internal/logger"
	"github.com/marmos91/dittons/pkg/namespace"
)

const (
	// DefaultThreshold is the fraction of blocks that must be safe
	DefaultThreshold = 0.999

	// DefaultExtension is how long safe mode lasts after the threshold is
	// reached
	DefaultExtension = 30 * time.Second

	// manualThreshold can never be satisfied
	manualThreshold = 1.5
)

// Config configures the state machine.
type Config struct {
	// Threshold is the fraction of complete blocks that must reach
	// SafeReplication (0 disables the block condition)
	Threshold float64

	// MinDatanodes is the number of live datanodes required
	MinDatanodes int

	// Extension is the time to stay in safe mode once the thresholds are met
	Extension time.Duration

	// SafeReplication is the live replica count that makes a block safe
	SafeReplication int
}

// SafeMode is the safe-mode state machine.
//
// Thread Safety: Safe for concurrent use.
type SafeMode struct {
	mu sync.Mutex

	config Config

	// active tracks whether a safe mode episode exists at all; counter
	// updates are ignored otherwise
	active bool
	manual bool

	threshold         float64
	datanodeThreshold int
	extension         time.Duration

	blockTotal     int64
	blockSafe      int64
	blockThreshold int64
	reached        int64

	liveDatanodes func() int
	now           func() time.Time
}

// New creates the state machine in startup safe mode. It stays on until
// SetBlockTotal is called and the thresholds are met.
//
// liveDatanodes reports the current number of live datanodes (nil = 0).
func New(config Config, liveDatanodes func() int) *SafeMode {
	if config.SafeReplication <= 0 {
		config.SafeReplication = 1
	}
	if liveDatanodes == nil {
		liveDatanodes = func() int { return 0 }
	}
	s := &SafeMode{
		config:        config,
		liveDatanodes: liveDatanodes,
		now:           time.Now,
	}
	s.reset()
	s.active = true
	s.reached = 0
	return s
}

// SetClock replaces the clock. Tests only.
func (s *SafeMode) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *SafeMode) reset() {
	s.threshold = s.config.Threshold
	s.datanodeThreshold = s.config.MinDatanodes
	s.extension = s.config.Extension
	s.manual = false
	s.reached = -1
}

// ============================================================================
// Queries
// ============================================================================

// IsOn reports whether mutations must be refused.
func (s *SafeMode) IsOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isOn()
}

func (s *SafeMode) isOn() bool {
	return s.active && s.reached >= 0
}

// IsManual reports whether the current safe mode was entered by an admin.
func (s *SafeMode) IsManual() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active && s.manual
}

// Reached returns -1 when off, 0 when the thresholds are not met, and the
// unix millis at which they were met otherwise.
func (s *SafeMode) Reached() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return -1
	}
	return s.reached
}

// Status returns a snapshot.
func (s *SafeMode) Status() namespace.SafeModeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	reached := s.reached
	if !s.active {
		reached = -1
	}
	return namespace.SafeModeStatus{
		On:                s.isOn(),
		Manual:            s.active && s.manual,
		BlockSafe:         s.blockSafe,
		BlockTotal:        s.blockTotal,
		BlockThreshold:    s.blockThreshold,
		Threshold:         s.threshold,
		DatanodeThreshold: s.datanodeThreshold,
		LiveDatanodes:     s.liveDatanodes(),
		ExtensionMillis:   s.extension.Milliseconds(),
		Reached:           reached,
	}
}

// needEnter reports whether the thresholds are not met.
func (s *SafeMode) needEnter() bool {
	return (s.threshold != 0 && s.blockSafe < s.blockThreshold) ||
		s.liveDatanodes() < s.datanodeThreshold
}

// CanLeave reports whether the thresholds were met and the extension has
// passed.
func (s *SafeMode) CanLeave() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canLeave()
}

func (s *SafeMode) canLeave() bool {
	if !s.active || s.reached <= 0 {
		return false
	}
	if s.now().UnixMilli()-s.reached < s.extension.Milliseconds() {
		return false
	}
	return !s.needEnter()
}

// ============================================================================
// Transitions
// ============================================================================

// CheckMode re-evaluates the thresholds and moves between on, extended and
// off.
func (s *SafeMode) CheckMode() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkMode()
}

func (s *SafeMode) checkMode() {
	if !s.active {
		return
	}
	if s.needEnter() {
		if s.reached != 0 {
			s.reached = 0
			s.report("Safe mode ON")
		}
		return
	}

	// thresholds met
	if s.extension <= 0 || s.threshold <= 0 {
		s.leave()
		return
	}
	if s.reached > 0 {
		return
	}
	s.reached = s.now().UnixMilli()
	s.report("Safe mode extension entered")
}

// SetBlockTotal sets the number of complete blocks and re-evaluates.
func (s *SafeMode) SetBlockTotal(total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.setBlockTotal(total)
}

func (s *SafeMode) setBlockTotal(total int64) {
	s.blockTotal = total
	s.blockThreshold = int64(float64(total) * s.threshold)
	s.checkMode()
}

// SetBlockSafe sets the number of safe blocks, as counted at startup.
func (s *SafeMode) SetBlockSafe(safe int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.blockSafe = safe
	s.checkMode()
}

// IncrementSafeBlockCount counts a block reaching SafeReplication live
// replicas.
func (s *SafeMode) IncrementSafeBlockCount(replication int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	if replication == s.config.SafeReplication {
		s.blockSafe++
	}
	s.checkMode()
}

// DecrementSafeBlockCount counts a block dropping below SafeReplication.
func (s *SafeMode) DecrementSafeBlockCount(replication int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	if replication == s.config.SafeReplication-1 {
		s.blockSafe--
	}
	s.checkMode()
}

// AdjustBlockTotals applies deltas to the safe and total block counts.
func (s *SafeMode) AdjustBlockTotals(deltaSafe, deltaTotal int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.blockSafe += int64(deltaSafe)
	s.setBlockTotal(s.blockTotal + int64(deltaTotal))
}

// Enter turns safe mode on. A manual entry never leaves by itself.
func (s *SafeMode) Enter(manual bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isOn() {
		s.reset()
		s.active = true
		s.blockSafe, s.blockTotal = -1, -1
		s.threshold = manualThreshold
		s.datanodeThreshold = math.MaxInt32
		s.reached = 0
	}
	if manual {
		s.manual = true
		s.extension = time.Duration(math.MaxInt64)
	}
	s.report("Safe mode is ON")
}

// Leave turns safe mode off.
func (s *SafeMode) Leave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leave()
}

func (s *SafeMode) leave() {
	if !s.active {
		return
	}
	wasManual := s.manual
	s.reset()
	s.active = false
	logger.Info("STATE* Safe mode is OFF (manual=%v, %d of %d blocks safe)", wasManual, s.blockSafe, s.blockTotal)
}

func (s *SafeMode) report(msg string) {
	logger.Info("STATE* %s: %d of %d blocks safe (threshold %d), %d of %d datanodes live",
		msg, s.blockSafe, s.blockTotal, s.blockThreshold, s.liveDatanodes(), s.datanodeThreshold)
}
