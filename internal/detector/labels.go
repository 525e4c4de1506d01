package detector

import (
	"strconv"
	"sync"
)

// DefaultNames is the class table of the shelf model.
var DefaultNames = []string{"Chips", "Ice Cream", "Noodles", "Cold Drinks"}

// Labels maps class indices to display names. It is swapped wholesale when
// the labels file changes, so readers always see a consistent table.
type Labels struct {
	mu    sync.RWMutex
	names []string
}

func NewLabels(names []string) *Labels {
	l := &Labels{}
	l.Replace(names)
	return l
}

// Name returns the label for id, or class_<id> when the table has no entry.
func (l *Labels) Name(id int) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if id >= 0 && id < len(l.names) && l.names[id] != "" {
		return l.names[id]
	}
	return "class_" + strconv.Itoa(id)
}

func (l *Labels) Replace(names []string) {
	cp := make([]string, len(names))
	copy(cp, names)
	l.mu.Lock()
	l.names = cp
	l.mu.Unlock()
}

func (l *Labels) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cp := make([]string, len(l.names))
	copy(cp, l.names)
	return cp
}

func (l *Labels) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.names)
}

// Apply overwrites the Label of every detection from its ClassID.
func (l *Labels) Apply(dets []Detection) {
	for i := range dets {
		dets[i].Label = l.Name(dets[i].ClassID)
	}
}
