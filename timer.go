package atomalloc

import "time"

const tickDuration = 10 * time.Millisecond

// timer measures cache ages in centisecond ticks since the allocator
// started.
type timer struct {
	starttime int64
	now       func() time.Time
}

func newTimer() *timer {
	t := &timer{now: time.Now}
	t.starttime = t.now().UnixNano() / int64(tickDuration)
	return t
}

func (t *timer) Now() int64 {
	return t.now().UnixNano()/int64(tickDuration) - t.starttime
}

func ticks(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + tickDuration - 1) / tickDuration)
}
