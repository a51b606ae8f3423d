package enroll

import (
	"context"
	"math/rand"
	"time"
)

// jitteredInterval returns interval plus a whole number of seconds drawn
// uniformly from [minJitter, maxJitter]. Nodes booted together share an
// interval; the jitter spreads their retries apart.
func jitteredInterval(interval time.Duration, minJitter, maxJitter int, intn func(int) int) time.Duration {
	if minJitter < 0 {
		minJitter = 0
	}
	if maxJitter < minJitter {
		maxJitter = minJitter
	}
	if intn == nil {
		intn = rand.Intn
	}
	j := minJitter + intn(maxJitter-minJitter+1)
	return interval + time.Duration(j)*time.Second
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
