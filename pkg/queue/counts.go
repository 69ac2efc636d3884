package queue

import (
	"fmt"

	"github.com/3leaps/goforward/pkg/output"
)

// Counts holds the number of realizations per display category.
type Counts struct {
	Waiting  int `json:"waiting"`
	Pending  int `json:"pending"`
	Running  int `json:"running"`
	Checking int `json:"checking"`
	Failed   int `json:"failed"`
	Complete int `json:"complete"`
	Killed   int `json:"killed"`
	Total    int `json:"total"`
}

func (c *Counts) add(s State) {
	c.Total++
	switch s.Category() {
	case CategoryWaiting:
		c.Waiting++
	case CategoryPending:
		c.Pending++
	case CategoryRunning:
		c.Running++
	case CategoryChecking:
		c.Checking++
	case CategoryFailed:
		c.Failed++
	case CategoryComplete:
		c.Complete++
	case CategoryKilled:
		c.Killed++
	}
}

// Finished is the number of realizations in a terminal state.
func (c Counts) Finished() int {
	return c.Failed + c.Complete + c.Killed
}

// String renders the one-line progress summary.
func (c Counts) String() string {
	return fmt.Sprintf("Waiting: %3d    Pending: %3d    Running: %3d    Checking/Loading: %3d    Failed: %3d    Complete: %3d",
		c.Waiting, c.Pending, c.Running, c.Checking, c.Failed, c.Complete)
}

func (c Counts) record() *output.ProgressRecord {
	return &output.ProgressRecord{
		Waiting:  c.Waiting,
		Pending:  c.Pending,
		Running:  c.Running,
		Checking: c.Checking,
		Failed:   c.Failed,
		Complete: c.Complete,
		Killed:   c.Killed,
		Total:    c.Total,
	}
}
