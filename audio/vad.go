package audio

import "time"

const (
	// DefaultVADThreshold is the RMS level treated as speech.
	DefaultVADThreshold = 0.04
	// DefaultVADHold keeps the speaking indicator up across brief pauses.
	DefaultVADHold = 350 * time.Millisecond
)

// VAD is a thresholded voice-activity detector with a hold window, so the
// speaking indicator debounces instead of flickering on every quiet frame.
type VAD struct {
	threshold float64
	hold      time.Duration

	speaking  bool
	heldUntil time.Time
}

func NewVAD(threshold float64, hold time.Duration) *VAD {
	if threshold <= 0 {
		threshold = DefaultVADThreshold
	}
	if hold <= 0 {
		hold = DefaultVADHold
	}
	return &VAD{threshold: threshold, hold: hold}
}

// Update feeds one frame level and returns the debounced speaking state.
func (v *VAD) Update(level float64, now time.Time) bool {
	if level >= v.threshold {
		v.speaking = true
		v.heldUntil = now.Add(v.hold)
		return true
	}
	if v.speaking && now.After(v.heldUntil) {
		v.speaking = false
	}
	return v.speaking
}

func (v *VAD) Speaking() bool { return v.speaking }
