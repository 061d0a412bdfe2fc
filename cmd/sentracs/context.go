package main

import "sync"

// commandExecutionContext records which command is running so the fatal
// error path can decide between structured log output and a plain line.
type commandExecutionContext struct {
	CommandPath       string
	UsesStructuredLog bool
}

var (
	commandCtxMu sync.Mutex
	commandCtx   commandExecutionContext
)

func setCommandExecutionContext(ctx commandExecutionContext) {
	commandCtxMu.Lock()
	defer commandCtxMu.Unlock()
	commandCtx = ctx
}

func currentCommandExecutionContext() commandExecutionContext {
	commandCtxMu.Lock()
	defer commandCtxMu.Unlock()
	return commandCtx
}

func resetCommandExecutionContext() {
	setCommandExecutionContext(commandExecutionContext{})
}
