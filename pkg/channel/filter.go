package channel

import "context"

// Filter forwards the items of in for which fn returns true. The returned channel
// is closed once in is closed or ctx is done, whichever comes first.
func Filter[T any](ctx context.Context, in chan T, fn func(T) bool) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case item, ok := <-in:
				if !ok {
					return
				}
				if !fn(item) {
					continue
				}
				select {
				case out <- item:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
