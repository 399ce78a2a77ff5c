package watch

import (
	"strings"
	"time"
)

// Ticker flips every second so a frozen dashboard is visible.
type Ticker struct {
	frames []string
	index  int
}

func NewTicker() Ticker {
	return Ticker{frames: []string{"⟲", "⟳"}}
}

func (t *Ticker) Tick() { t.index = (t.index + 1) % len(t.frames) }

func (t Ticker) Current() string { return t.frames[t.index] }

const activityDots = 5

// Activity lights up on each event and fades one dot per two seconds of
// silence.
type Activity struct {
	lastEvent time.Time
	dots      int
}

func (a *Activity) OnEvent(now time.Time) {
	a.lastEvent = now
	a.dots = activityDots
}

func (a *Activity) Decay(now time.Time) {
	if a.dots == 0 {
		return
	}
	faded := int(now.Sub(a.lastEvent) / (2 * time.Second))
	a.dots = max(activityDots-faded, 0)
}

func (a Activity) LastEvent() time.Time { return a.lastEvent }

func (a Activity) Render(theme Theme) string {
	var b strings.Builder
	for i := range activityDots {
		if i < a.dots {
			b.WriteString(theme.TickerActive.Render("●"))
		} else {
			b.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return b.String()
}
