package daemon

import (
	"bytes"

	"github.com/cockroachdb/errors"
)

// CheckCommand checks the given paths. versions records the document
// versions the check covers so that results can be compared against newer
// edits when they come back.
func CheckCommand(paths []string, versions map[string]int) Command {
	cmd := newCommand(KindCheck)
	cmd.Paths = clonePaths(paths)
	cmd.Versions = cloneVersions(versions)
	return cmd
}

// Exit codes of "dmypy check".
const (
	checkClean  = 0
	checkIssues = 1
)

// Messages the dmypy client prints when the server is gone.
var daemonGone = [][]byte{
	[]byte("Daemon has died"),
	[]byte("Daemon crashed"),
	[]byte("No status file found"),
	[]byte("Daemon is stopped"),
	[]byte("Daemon is not running"),
}

// checkResult interprets the result of a check invocation. exited reports
// whether the daemon process had already terminated.
func checkResult(resp *Response, exited bool) error {
	switch resp.ExitCode {
	case checkClean, checkIssues:
		return nil
	}
	if exited || reportsDaemonGone(resp) {
		return errors.Mark(
			errors.Newf("dmypy check exited with code %d: %s", resp.ExitCode, firstLine(resp)),
			ErrDaemonCrashed,
		)
	}
	return errors.Newf("dmypy check exited with code %d: %s", resp.ExitCode, firstLine(resp))
}

func reportsDaemonGone(resp *Response) bool {
	for _, msg := range daemonGone {
		if bytes.Contains(resp.Stdout, msg) || bytes.Contains(resp.Stderr, msg) {
			return true
		}
	}
	return false
}

func firstLine(resp *Response) string {
	out := resp.Stderr
	if len(bytes.TrimSpace(out)) == 0 {
		out = resp.Stdout
	}
	out = bytes.TrimSpace(out)
	if i := bytes.IndexByte(out, '\n'); i >= 0 {
		out = out[:i]
	}
	if len(out) == 0 {
		return "no output"
	}
	return string(out)
}
