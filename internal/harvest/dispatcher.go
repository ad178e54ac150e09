package harvest

import (
	"github.com/sells-group/sa-harvest/internal/model"
)

// Task is one queue item bound to its job and destination table.
type Task struct {
	Table string
	Item  model.QueueItem
	Job   model.Job
}

// Request returns the report request for the task.
func (t Task) Request() model.FetchRequest {
	return model.FetchRequest{
		Dimensions: t.Job.Dimensions,
		SearchType: t.Job.SearchType,
		Date:       t.Item.Date,
		Filter:     t.Job.Filter,
	}
}

// Dispatcher is a bounded FIFO of tasks. It is filled once and closed
// immediately, so a drained dispatcher reports closed to every worker.
type Dispatcher struct {
	tasks chan Task
}

// NewDispatcher materializes one task per item.
func NewDispatcher(job model.Job, items []model.QueueItem) *Dispatcher {
	table := job.TableName()
	d := &Dispatcher{tasks: make(chan Task, len(items))}
	for _, it := range items {
		d.tasks <- Task{Table: table, Item: it, Job: job}
	}
	close(d.tasks)
	return d
}

// Next returns the next task, or false once the dispatcher is drained.
func (d *Dispatcher) Next() (Task, bool) {
	t, ok := <-d.tasks
	return t, ok
}

// Depth is the number of tasks not yet handed out.
func (d *Dispatcher) Depth() int {
	return len(d.tasks)
}

// Discard drops every remaining task and returns how many were dropped.
func (d *Dispatcher) Discard() int {
	n := 0
	for range d.tasks {
		n++
	}
	return n
}
