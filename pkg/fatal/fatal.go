// Package fatal is the single funnel for conditions that should
// terminate the process immediately rather than unwind through error
// returns: LLM quota exhaustion and unrecoverable loader failure.
// Routing them through one function lets tests intercept the exit
// instead of killing the test binary.
package fatal

import (
	"log/slog"
	"os"

	"github.com/agentmesh/conductor/pkg/logger"
)

// Exiter is called by Exit. Tests replace it to observe fatal exits
// without terminating the process.
var Exiter = os.Exit

// Exit logs msg at error level and terminates the process with code.
// It never returns when Exiter is os.Exit; test doubles may return.
func Exit(code int, msg string, args ...any) {
	logger.Get().Error(msg, append(args, slog.Int("exit_code", code))...)
	Exiter(code)
}
