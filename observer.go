package celltalk

// Observer receives session lifecycle and traffic events
// from an Acceptor or Connector.
//
// For one session, SessionCreated and SessionOpened come
// first, MessageReceived calls arrive in wire order from a
// single goroutine at a time, and SessionClosed then
// SessionDestroyed come last, exactly once each. Callbacks
// should not block for long; they run on a worker shared
// with other sessions.
type Observer interface {
	SessionCreated(s *Session)
	SessionOpened(s *Session)
	SessionClosed(s *Session)
	SessionDestroyed(s *Session)
	MessageReceived(s *Session, msg *Message)
	MessageSent(s *Session, msg *Message)
	ErrorOccurred(code ErrorCode, s *Session)
}

// NopObserver can be embedded to implement only the
// callbacks you need.
type NopObserver struct{}

func (NopObserver) SessionCreated(s *Session)                {}
func (NopObserver) SessionOpened(s *Session)                 {}
func (NopObserver) SessionClosed(s *Session)                 {}
func (NopObserver) SessionDestroyed(s *Session)              {}
func (NopObserver) MessageReceived(s *Session, msg *Message) {}
func (NopObserver) MessageSent(s *Session, msg *Message)     {}
func (NopObserver) ErrorOccurred(code ErrorCode, s *Session) {}
