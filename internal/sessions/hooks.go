package sessions

import "context"

// LifecycleHook observes live document creation and teardown.
// DocumentOpened fires exactly once per live state, before any client can
// reach it. DocumentClosed fires once when the state is torn down; it is the
// place to flush a final snapshot.
type LifecycleHook interface {
	DocumentOpened(document *LiveDocument)
	DocumentClosed(ctx context.Context, document *LiveDocument) error
}

// LifecycleFuncs adapts plain functions to LifecycleHook.
type LifecycleFuncs struct {
	Opened func(document *LiveDocument)
	Closed func(ctx context.Context, document *LiveDocument) error
}

func (f LifecycleFuncs) DocumentOpened(document *LiveDocument) {
	if f.Opened != nil {
		f.Opened(document)
	}
}

func (f LifecycleFuncs) DocumentClosed(ctx context.Context, document *LiveDocument) error {
	if f.Closed == nil {
		return nil
	}
	return f.Closed(ctx, document)
}
