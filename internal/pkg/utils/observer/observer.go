package observer

import "time"

// IntervalObserver calls F with Observable once per Interval until it is stopped.
// This bounds how often observers of fast changing values, such as byte counters, are notified.
type IntervalObserver[T any] struct {
	Interval   time.Duration
	F          func(T) error
	Observable T
	// FlushOnStop calls F a final time when the observer is stopped.
	FlushOnStop bool
}

// Observe blocks until stop is closed or F returns an error.
func (o *IntervalObserver[T]) Observe(stop <-chan any) error {
	ticker := time.NewTicker(o.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			if o.FlushOnStop {
				return o.F(o.Observable)
			}
			return nil
		case <-ticker.C:
			if err := o.F(o.Observable); err != nil {
				return err
			}
		}
	}
}
