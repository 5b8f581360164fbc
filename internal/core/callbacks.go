package core

// CallbackStatus tells AfterCompletion how a unit of work ended.
type CallbackStatus int

const (
	CallbackCompleted CallbackStatus = iota
	CallbackDiscarded
)

func (s CallbackStatus) String() string {
	if s == CallbackCompleted {
		return "completed"
	}
	return "discarded"
}

// UnitOfWorkCallback observes the completion of a unit of work.
// BeforeCompletion runs before anything is prepared; an error aborts
// completion. AfterCompletion runs once the unit of work is closed.
type UnitOfWorkCallback interface {
	BeforeCompletion() error
	AfterCompletion(status CallbackStatus)
}

// CallbackFuncs adapts functions to UnitOfWorkCallback. Nil fields are skipped.
type CallbackFuncs struct {
	Before func() error
	After  func(CallbackStatus)
}

func (c CallbackFuncs) BeforeCompletion() error {
	if c.Before == nil {
		return nil
	}
	return c.Before()
}

func (c CallbackFuncs) AfterCompletion(status CallbackStatus) {
	if c.After != nil {
		c.After(status)
	}
}
