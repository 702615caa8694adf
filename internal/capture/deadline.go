package capture

import "time"

// inactivityDeadline is the single pending auto-stop timer. Every arm bumps
// the token, and a fire only counts when its token is still current, so a
// timer that raced a rearm or a stop is ignored. Callers hold Service.mu.
type inactivityDeadline struct {
	timer *time.Timer
	token uint64
}

func (d *inactivityDeadline) arm(window time.Duration, fire func(token uint64)) {
	d.cancel()
	token := d.token
	d.timer = time.AfterFunc(window, func() { fire(token) })
}

func (d *inactivityDeadline) cancel() {
	d.token++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *inactivityDeadline) current(token uint64) bool {
	return d.timer != nil && d.token == token
}
