// Package agent implements the tool-loop agent runner: a state machine that
// performs one provider round trip per Step, executes requested tools in
// order and folds their results back into the bound request.
//
// Invariants:
// - Step fails with ErrInvalidState until Reset binds a request.
// - Tool calls of one response run sequentially in the order returned.
// - A failing tool degrades to an error result block; it never aborts the step.
// - Only Reset leaves the DONE and ERROR states.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.RunnerConfig{Provider: p, Executor: exec})
//	_ = runner.Reset(req, false)
//	for !runner.Done() {
//		stream, _ := runner.Step(ctx)
//		for {
//			resp, err := stream.Next()
//			if errors.Is(err, agent.ErrStepDone) {
//				break
//			}
//			_ = resp
//		}
//	}
package agent
