package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to unblock a producer whose output is no longer wanted, e.g. a
// transport event stream after the session has torn down.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
