// Package stats provides cheap, togglable counters for the storage and VM
// core (cache hits/misses, readahead fires, eviction counts, swap I/O).
// Mirrors the teacher's Counter_t/Cycles_t pattern: counting is compiled
// away to a no-op when Enabled is false, so production paths pay
// nothing for instrumentation they don't want.
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Enabled gates whether Counter_t/Cycles_t actually record anything.
const Enabled = true

// Counter_t is a statistical counter, e.g. cache hits.
type Counter_t int64

// Cycles_t accumulates elapsed wall-clock time in nanoseconds.
type Cycles_t int64

// Inc increments the counter by one.
func (c *Counter_t) Inc() {
	if Enabled {
		atomic.AddInt64((*int64)(c), 1)
	}
}

// Add adds n to the counter.
func (c *Counter_t) Add(n int64) {
	if Enabled {
		atomic.AddInt64((*int64)(c), n)
	}
}

// Get returns the current value.
func (c *Counter_t) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Since adds the elapsed time since start to the cycle counter.
func (c *Cycles_t) Since(start time.Time) {
	if Enabled {
		atomic.AddInt64((*int64)(c), int64(time.Since(start)))
	}
}

// Get returns the accumulated duration.
func (c *Cycles_t) Get() time.Duration {
	return time.Duration(atomic.LoadInt64((*int64)(c)))
}

// String renders every Counter_t/Cycles_t field of st (a struct value) as
// a human-readable report, the way the teacher's Stats2String does.
func String(st interface{}) string {
	if !Enabled {
		return ""
	}
	v := reflect.ValueOf(st)
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		name := v.Type().Field(i).Name
		switch {
		case strings.HasSuffix(t, "Counter_t"):
			n := v.Field(i).Interface().(Counter_t)
			s += "\n\t#" + name + ": " + strconv.FormatInt(int64(n), 10)
		case strings.HasSuffix(t, "Cycles_t"):
			n := v.Field(i).Interface().(Cycles_t)
			s += "\n\t#" + name + ": " + time.Duration(n).String()
		}
	}
	return s + "\n"
}
