package security

import (
	"fmt"
	"strings"
)

// SkipPermissionsFlag is the argv switch the supervisor injects or strips
// based on the spawn options and the configured default.
const SkipPermissionsFlag = "--dangerously-skip-permissions"

var baseAllowedFlags = []string{
	"--model", "-m",
	"--print", "-p",
	"--resume", "-r",
	"--continue", "-c",
	SkipPermissionsFlag,
	"--verbose",
	"--version",
}

// ArgPolicy validates agent argv elements against an allow-list. Exact flags
// and flag=value forms are permitted when the flag part is allowed; any
// positional value not starting with "-" is permitted.
type ArgPolicy struct {
	allowed map[string]struct{}
}

func NewArgPolicy(extras []string) *ArgPolicy {
	allowed := make(map[string]struct{}, len(baseAllowedFlags)+len(extras))
	for _, f := range baseAllowedFlags {
		allowed[f] = struct{}{}
	}
	for _, f := range extras {
		f = strings.TrimSpace(f)
		if f != "" {
			allowed[f] = struct{}{}
		}
	}
	return &ArgPolicy{allowed: allowed}
}

func (p *ArgPolicy) Validate(args []string) error {
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		flag := arg
		if i := strings.IndexByte(arg, '='); i >= 0 {
			flag = arg[:i]
		}
		if _, ok := p.allowed[flag]; !ok {
			return fmt.Errorf("disallowed argument %q", arg)
		}
	}
	return nil
}
