package procutil

import (
	"fmt"

	"github.com/mattn/go-shellwords"
)

// SplitCommand splits a configured command line into argv with shell word
// rules. Environment references are left as written and pipes, redirections
// or command lists are rejected; wrap those in `sh -c '...'`.
func SplitCommand(line string) ([]string, error) {
	p := shellwords.NewParser()
	p.ParseEnv = false
	p.ParseBacktick = false
	args, err := p.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", line, err)
	}
	if p.Position >= 0 {
		return nil, fmt.Errorf("parse command %q: shell operator at offset %d, use sh -c", line, p.Position)
	}
	if len(args) == 0 {
		return nil, nil
	}
	return args, nil
}
