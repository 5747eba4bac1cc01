package control

import (
	"fmt"

	"github.com/agentmesh/conductor/pkg/blackboard"
	"github.com/agentmesh/conductor/pkg/logger"
)

// ExitNode pops the current call context and returns control to
// whichever agent made the call. It is the counterpart to a control
// node that an agent transitions to explicitly when it has nothing
// further to do but return.
type ExitNode struct {
	Base
}

func (n *ExitNode) ActionHandler(_ *blackboard.Message) (any, error) {
	_, ok := n.Blackboard.GetCurrentCallContext()
	if !ok {
		logger.Get().Error("control: exit_node has no call context to return to", "node", n.Name)
		n.Blackboard.UpdateStateValue(KeyExit, true)
		n.Blackboard.UpdateStateValue(KeyLastAgent, n.Name)
		return nil, nil
	}

	popped, err := n.Blackboard.PopCallContext()
	if err != nil {
		return nil, fmt.Errorf("control: exit_node popping call context: %w", err)
	}
	n.Blackboard.UpdateStateValue(KeyNextAgent, popped.CallingAgent)
	logger.Get().Info("control: returning control to calling agent", "node", n.Name, "calling_agent", popped.CallingAgent)
	n.Blackboard.UpdateStateValue(KeyLastAgent, n.Name)
	return nil, nil
}

// FlowExitNode signals that an agent has finished its turn. It does
// not pop the call stack itself — that stays ToolResultHandler's job
// — it only decides whether this was a sub-task (route to a
// per-caller exit marker the delegator recognizes) or a top-level
// task (signal the manager loop to stop).
type FlowExitNode struct {
	Base
}

func (n *FlowExitNode) ActionHandler(_ *blackboard.Message) (any, error) {
	current, ok := n.Blackboard.GetCurrentCallContext()
	if ok {
		personalized := current.CallingAgent + "_exit"
		logger.Get().Info(
			"control: sub-task finished, routing to tool_result_handler via personalized exit state",
			"node", n.Name, "last_agent", personalized,
		)
		n.Blackboard.UpdateStateValue(KeyLastAgent, personalized)
		return nil, nil
	}

	logger.Get().Warn("control: top-level agent finished, signaling manager exit", "node", n.Name)
	n.Blackboard.UpdateGlobalStateValue(KeyExit, true)
	return nil, nil
}

// GracefulExitControlNode is reached when something unexpected
// happened (a task-length budget was exhausted, or a more serious
// error) and recovery is no longer possible. It records a final-answer
// note explaining the partial state before unwinding or exiting.
type GracefulExitControlNode struct {
	Base
}

const gracefulExitContent = "Graceful exit has been triggered. This means something unexpected happened " +
	"(a task length budget was reached, or a more serious error occurred) and recovery is impossible. " +
	"The task is exiting with partial findings; note what was found and what was not examined."

func (n *GracefulExitControlNode) ActionHandler(_ *blackboard.Message) (any, error) {
	n.Blackboard.AppendStateValue("final_answer_content", gracefulExitContent)
	n.Blackboard.AddMsg(blackboard.Message{Sender: "graceful_exit_node", Content: gracefulExitContent})

	if _, ok := n.Blackboard.GetCurrentCallContext(); ok {
		popped, err := n.Blackboard.PopCallContext()
		if err != nil {
			return nil, fmt.Errorf("control: graceful_exit popping call context: %w", err)
		}
		n.Blackboard.UpdateStateValue(KeyNextAgent, popped.CallingAgent)
		logger.Get().Info("control: graceful exit returning control to calling agent", "node", n.Name, "calling_agent", popped.CallingAgent)
	} else {
		n.Blackboard.UpdateStateValue(KeyExit, true)
		n.Blackboard.UpdateStateValue(KeyNextAgent, nil)
	}

	n.Blackboard.UpdateStateValue(KeyLastAgent, n.Name)
	return nil, nil
}

// ManagerExitNode unconditionally terminates the owning manager's
// run loop, regardless of call-stack depth.
type ManagerExitNode struct {
	Base
}

func (n *ManagerExitNode) ActionHandler(_ *blackboard.Message) (any, error) {
	logger.Get().Info("control: manager exit, terminating run loop", "node", n.Name)
	n.Blackboard.UpdateStateValue(KeyExit, true)
	n.Blackboard.UpdateStateValue(KeyNextAgent, nil)
	n.Blackboard.UpdateStateValue(KeyLastAgent, n.Name)
	return nil, nil
}
