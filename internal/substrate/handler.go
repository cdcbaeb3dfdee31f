// SPDX-License-Identifier: MIT

package substrate

// Completion property keys reported by handlers.
const (
	PropTarget           = "target"
	PropResultCode       = "result_code"
	PropSequence         = "action_sequence_number"
	PropExceptionMessage = "exception_message"
)

// Action identifies the handler operation a completion answers.
type Action int

const (
	ActionCreate Action = iota
	ActionModify
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionModify:
		return "modify"
	case ActionDelete:
		return "delete"
	default:
		return "create"
	}
}

// Completion is the handler's asynchronous answer to a unit operation. The
// sequence must match the unit's action sequence or the completion is stale
// and dropped.
type Completion struct {
	Action     Action
	Unit       *Unit
	ResultCode int
	Sequence   int64
	Message    string
	Properties map[string]string
}

// OK reports whether the operation succeeded.
func (c Completion) OK() bool { return c.ResultCode == 0 }

// Handler is the substrate plugin invoked by an authority kernel for each
// unit. All operations are asynchronous: the handler returns immediately and
// later posts a Completion through the sink, which the actor delivers on its
// event loop.
type Handler interface {
	Create(unit *Unit, sequence int64) error
	Modify(unit *Unit, sequence int64) error
	Delete(unit *Unit, sequence int64) error
}

// CompletionSink receives handler completions. Implementations enqueue the
// completion onto the owning actor's event loop; handlers never touch kernel
// state directly.
type CompletionSink interface {
	ConfigurationComplete(c Completion)
}
