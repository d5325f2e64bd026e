package styx

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/tartarus-sandbox/awf/pkg/domain"
)

const ownerPrefix = "awf:"

// Owner identifies the invocation that installed a rule. It is stored in the
// rule's comment as awf:<invocation>:<pid>.
type Owner struct {
	Invocation domain.InvocationID
	PID        int
}

func (o Owner) Tag() string {
	return fmt.Sprintf("%s%s:%d", ownerPrefix, o.Invocation, o.PID)
}

// ParseOwner reads a rule comment. ok is false for comments awf did not write.
func ParseOwner(comment string) (Owner, bool) {
	rest, found := strings.CutPrefix(comment, ownerPrefix)
	if !found {
		return Owner{}, false
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 {
		return Owner{}, false
	}
	pid, err := strconv.Atoi(rest[i+1:])
	if err != nil || pid <= 0 {
		return Owner{}, false
	}
	return Owner{Invocation: domain.InvocationID(rest[:i]), PID: pid}, true
}

// AliveFunc reports whether a process still exists.
type AliveFunc func(ctx context.Context, pid int) (bool, error)

// ProcessAlive checks the host process table.
func ProcessAlive(ctx context.Context, pid int) (bool, error) {
	return process.PidExistsWithContext(ctx, int32(pid))
}
