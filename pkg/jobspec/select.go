package jobspec

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// Select returns the jobs whose names match any of the glob patterns, in
// chain order. A pattern matching nothing is an error so typos surface.
func (c *Chain) Select(patterns []string) ([]Job, error) {
	if len(patterns) == 0 {
		return append([]Job(nil), c.Jobs...), nil
	}

	hits := make([]bool, len(patterns))
	for i, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid job pattern %q", p)
		}
		for _, j := range c.Jobs {
			if ok, _ := doublestar.Match(p, j.Name); ok {
				hits[i] = true
				break
			}
		}
		if !hits[i] {
			return nil, fmt.Errorf("no job in chain %s matches %q", c.ID(), p)
		}
	}

	var out []Job
	for _, j := range c.Jobs {
		for _, p := range patterns {
			if ok, _ := doublestar.Match(p, j.Name); ok {
				out = append(out, j)
				break
			}
		}
	}
	return out, nil
}
