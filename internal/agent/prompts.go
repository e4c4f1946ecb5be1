package agent

import (
	"fmt"
	"strings"
)

const plannerInstructions = `You are the planning component of an autonomous agent.
Given the goal, the history of previous iterations and the current observation,
decide the next 1-5 concrete actions or declare the task complete.

Reply with a single JSON object:
{
  "reasoning": "short explanation",
  "proposed_actions": ["action", "..."],
  "task_complete": false,
  "final_answer": ""
}
Set task_complete to true only together with a non-empty final_answer and no actions.`

const predefinedInstructions = `
The task follows a predefined checklist. Also return "todo_markdown": the full
checklist with "- [ ]" for pending, "- [x]" for done and "- [!]" for failed steps.
Work through the steps in order.`

const executorInstructions = `You are the execution component of an autonomous agent.
Translate the requested actions into concrete tool calls using only the tools below.
Reply with a JSON object {"tool_calls": [{"name": "tool", "arguments": {...}}]}.
Call "done" with {"answer": "..."} when the goal is fully achieved.
Call "require_human_input" when a human must intervene.
Return an empty tool_calls list when nothing remains to be done.

Available tools:
%s`

const executorFollowUp = `Tool results above. Confirm completion or continue: return further tool calls
for the remaining requested actions, call "done" if the goal is achieved, or
return an empty tool_calls list if the actions are finished.`

const summarizerInstructions = `Summarize the agent's progress so far for the planning component.
Keep facts that are needed to finish the goal: visited locations, data found,
failed attempts and their errors. Reply with plain text only.`

func instructionsFor(mode Mode) string {
	if mode == ModePredefined {
		return plannerInstructions + predefinedInstructions
	}
	return plannerInstructions
}

func renderMetrics(m ExecutionMetrics) string {
	return fmt.Sprintf("tool_calls=%d errors=%d observations=%d", m.ToolCalls, m.Errors, m.Observations)
}

func renderActions(actions []string) string {
	var b strings.Builder
	for i, action := range actions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, action)
	}
	return strings.TrimRight(b.String(), "\n")
}
