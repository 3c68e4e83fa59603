package engine

// PhaseRule maps a cumulative warmup day to a phase and its daily cap.
// Rules are ordered by FromDay ascending; the last rule whose FromDay is
// <= the current day wins.
type PhaseRule struct {
	Phase      int
	FromDay    int
	DailyLimit int
}

// Config carries the delivery-policy knobs. The reputation deltas are
// product-tuned numbers, not correctness constraints, so they live here
// instead of being hard-coded at the call sites.
type Config struct {
	Ramp []PhaseRule

	CleanDayDelta int // applied on a daily tick with no recorded error
	ErrorDayDelta int // applied on a daily tick with a recorded error
	BounceDelta   int // applied when a message bounces
	ReplyDelta    int // applied when a recipient replies
}

// DefaultConfig returns the shipped warmup ramp and reputation policy
func DefaultConfig() Config {
	return Config{
		Ramp: []PhaseRule{
			{Phase: 1, FromDay: 1, DailyLimit: 5},
			{Phase: 2, FromDay: 8, DailyLimit: 15},
			{Phase: 3, FromDay: 15, DailyLimit: 30},
			{Phase: 4, FromDay: 22, DailyLimit: 50},
		},
		CleanDayDelta: 1,
		ErrorDayDelta: -5,
		BounceDelta:   -3,
		ReplyDelta:    2,
	}
}

func (c Config) ruleFor(day int) PhaseRule {
	rule := c.Ramp[0]
	for _, r := range c.Ramp {
		if day >= r.FromDay {
			rule = r
		}
	}
	return rule
}

// lastRule is the mature phase a skipped warmup jumps straight to
func (c Config) lastRule() PhaseRule {
	return c.Ramp[len(c.Ramp)-1]
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
