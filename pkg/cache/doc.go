// Package cache provides a generic TTL cache.
//
// The alert manager keeps its suppression window here: SetIfAbsent is an
// atomic claim on a (door, alert type) key for the length of the window.
// The clock is injectable so suppression can be tested with a fake clock:
//
//	fake := testingclock.NewFakeClock(time.Now())
//	c, _ := cache.NewTTL[time.Time](ctx, time.Hour, time.Minute,
//	    cache.WithClock[time.Time](fake))
//	ok, _ := c.SetIfAbsent("D1|door_stuck_open", fake.Now(), 15*time.Minute)
package cache
