package audio

// Drain reads from ch until it is closed, discarding all values. Consumers
// that stop reading a chunk stream early use it so the producer can finish
// its final send and exit.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
