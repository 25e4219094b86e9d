package channel

// Unbounded forwards items from in to the returned channel, queueing them without
// limit so a sender on in never waits for the reader of out. The returned channel is
// closed once in is closed and the queue is drained.
func Unbounded[T any](in chan T) chan T {
	out := make(chan T)
	go func() {
		defer close(out)

		var queue []T
		for {
			if len(queue) == 0 {
				item, ok := <-in
				if !ok {
					return
				}
				queue = append(queue, item)
				continue
			}

			select {
			case item, ok := <-in:
				if !ok {
					for _, item := range queue {
						out <- item
					}
					return
				}
				queue = append(queue, item)
			case out <- queue[0]:
				var zero T
				queue[0] = zero
				queue = queue[1:]
			}
		}
	}()
	return out
}
