// Package guid generates process-unique member identifiers (spec §4.1).
package guid

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const wrapAt = 0x7FFFFFFF

var (
	mu      sync.Mutex
	counter uint32 = 0
)

// next advances the process-wide counter under mutual exclusion, wrapping
// to 1 once it reaches wrapAt, and returns the new value.
func next() uint32 {
	mu.Lock()
	defer mu.Unlock()
	if counter >= wrapAt {
		counter = 1
	} else {
		counter++
	}
	return counter
}

// New returns a new process-unique identifier of the form
// "<hostname>-<pid>-<unix_seconds>-<counter>". Every call within one
// process returns a distinct string; across processes collisions are
// negligible.
func New() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%d-%d", host, os.Getpid(), time.Now().Unix(), next())
}

// MemberID builds the member id recorded at /consumers/<group>/ids/<id>
// (spec §3): "<group_name>-<hostname>-<pid>-<unix_seconds>-<counter>".
func MemberID(group string) string {
	return group + "-" + New()
}
