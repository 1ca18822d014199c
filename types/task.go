package types

// TaskType tags the kind of utterance a flow step should produce.
// It shapes the prompt only; the engine's control flow never branches on it.
type TaskType string

const (
	TaskAsk       TaskType = "ask"
	TaskAnswer    TaskType = "answer"
	TaskReview    TaskType = "review"
	TaskQuestion  TaskType = "question"
	TaskSummarize TaskType = "summarize"
	TaskEvaluate  TaskType = "evaluate"
	TaskSuggest   TaskType = "suggest"
	TaskChallenge TaskType = "challenge"
	TaskSupport   TaskType = "support"
	TaskConclude  TaskType = "conclude"
)

// sectionLabels 任务类型到消息 section 标签的映射
var sectionLabels = map[TaskType]string{
	TaskAsk:       "inquiry",
	TaskQuestion:  "inquiry",
	TaskAnswer:    "response",
	TaskReview:    "review",
	TaskSummarize: "summary",
	TaskEvaluate:  "evaluation",
	TaskSuggest:   "suggestion",
	TaskChallenge: "debate",
	TaskSupport:   "debate",
	TaskConclude:  "conclusion",
}

// Valid reports whether t is one of the known task types.
func (t TaskType) Valid() bool {
	_, ok := sectionLabels[t]
	return ok
}

// SectionLabel returns the informal section label for messages produced by
// this task type. Unknown task types fall back to "discussion".
func (t TaskType) SectionLabel() string {
	if label, ok := sectionLabels[t]; ok {
		return label
	}
	return "discussion"
}

// Instruction returns the prompt-shaping instruction for the task type.
func (t TaskType) Instruction() string {
	switch t {
	case TaskAsk, TaskQuestion:
		return "Raise a focused question that moves the discussion forward."
	case TaskAnswer:
		return "Answer the most recent question directly and concretely."
	case TaskReview:
		return "Review the prior statements and point out strengths and gaps."
	case TaskSummarize:
		return "Summarize the discussion so far, keeping only the essentials."
	case TaskEvaluate:
		return "Evaluate the proposals above and judge their merit."
	case TaskSuggest:
		return "Suggest a concrete improvement or next action."
	case TaskChallenge:
		return "Challenge the previous position with counter-arguments."
	case TaskSupport:
		return "Support the previous position with additional evidence."
	case TaskConclude:
		return "Draw the discussion to a conclusion and state the outcome."
	default:
		return "Contribute to the discussion in your role."
	}
}
