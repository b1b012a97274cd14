package parcel

// SelectionModel holds the current [SelectionState].
//
// Every transition notifies subscribers synchronously, in subscription order,
// before returning. The model is confined to the map's event loop.
type SelectionModel struct {
	state SelectionState
	subs  []subscriber[SelectionState]
	next  int
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// NewSelectionModel returns a model in the empty state.
func NewSelectionModel() *SelectionModel {
	return &SelectionModel{state: EmptySelection}
}

// State returns the current selection.
func (m *SelectionModel) State() SelectionState {
	return m.state
}

// Select makes id the selected feature with its popup anchored at pos.
// Any previous selection is replaced.
func (m *SelectionModel) Select(id FeatureID, pos Point) SelectionState {
	if id == "" {
		return m.Clear()
	}
	m.state = SelectionState{Visible: true, Position: &pos, FeatureID: id}
	m.notify()
	return m.state
}

// Clear resets the selection to [EmptySelection]. It is idempotent but still
// notifies subscribers.
func (m *SelectionModel) Clear() SelectionState {
	m.state = EmptySelection
	m.notify()
	return m.state
}

// Subscribe registers fn for every transition. The returned func removes it.
func (m *SelectionModel) Subscribe(fn func(SelectionState)) (unsubscribe func()) {
	m.next++
	id := m.next
	m.subs = append(m.subs, subscriber[SelectionState]{id: id, fn: fn})
	return func() {
		m.subs = removeSubscriber(m.subs, id)
	}
}

func (m *SelectionModel) notify() {
	subs := append([]subscriber[SelectionState](nil), m.subs...)
	for _, s := range subs {
		s.fn(m.state)
	}
}

func removeSubscriber[T any](subs []subscriber[T], id int) []subscriber[T] {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}
