package workqueue

import "errors"

// ErrDropped is returned by Send when DropWhenFull is set and the queue has
// no free capacity.
var ErrDropped = errors.New("workqueue: item dropped, queue full")

// ErrCompleted is returned by Send once Complete has been called.
var ErrCompleted = errors.New("workqueue: queue completed")
