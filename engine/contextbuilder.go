package engine

import (
	"github.com/BaSui01/flowdialog/session"
	"github.com/BaSui01/flowdialog/types"
)

// BuildContext applies a step's context scope set to the session's full
// ordered message history and returns the slice the generation call may see.
// Selectors union; a message matched by several selectors appears once, at
// its original chronological position. The none and topic selectors
// contribute no messages; topic is a signal to the invoker, not a filter.
func BuildContext(history []session.Message, scope types.ScopeSet, currentRound int) []session.Message {
	if len(history) == 0 || len(scope) == 0 {
		return nil
	}

	include := make([]bool, len(history))
	for _, sel := range scope {
		switch sel.Kind {
		case types.ScopeAll:
			for i := range include {
				include[i] = true
			}
		case types.ScopeLastMessage:
			include[len(history)-1] = true
		case types.ScopeLastRound:
			for i := range history {
				if history[i].RoundIndex == currentRound {
					include[i] = true
				}
			}
		case types.ScopeByRole:
			for i := range history {
				if history[i].RoleRef == sel.Role {
					include[i] = true
				}
			}
		case types.ScopeNone, types.ScopeTopic:
			// 不贡献消息
		}
	}

	var out []session.Message
	for i := range history {
		if include[i] {
			out = append(out, history[i])
		}
	}
	return out
}
