package talk

// Cellet is a named service that peers subscribe to with
// REQUEST (or QUICK) and then exchange dialogue with.
// Callbacks run on the worker goroutine that read the
// packet; a slow Cellet delays the other sessions of
// that worker.
type Cellet interface {
	Identifier() string

	// Contacted fires when tag first subscribes.
	Contacted(tag string)

	// ProxyContacted fires when the peer proxy subscribes
	// on behalf of the end peer tag.
	ProxyContacted(proxy, tag string)

	// Quitted fires when no session of tag is
	// subscribed any longer.
	Quitted(tag string)

	// Dialogue delivers a payload from tag. source is
	// the tag of the session it arrived on, which differs
	// from tag when it came through a proxy.
	Dialogue(t Talker, tag, source string, payload []byte)
}

// Talker sends dialogue back to peers.
type Talker interface {
	// Talk writes payload to every session of tag that
	// subscribed to identifier.
	Talk(tag, identifier string, payload []byte) error

	// Kick closes the sessions of tag.
	Kick(tag string)

	// Tag is our own tag, sent in replies.
	Tag() string
}

// EchoCellet answers every dialogue with its payload, or
// with Reply(payload) when that is set.
type EchoCellet struct {
	Name  string
	Reply func(payload []byte) []byte
}

func (e *EchoCellet) Identifier() string { return e.Name }
func (e *EchoCellet) Contacted(tag string) {}

func (e *EchoCellet) ProxyContacted(proxy, tag string) {}
func (e *EchoCellet) Quitted(tag string)               {}

func (e *EchoCellet) Dialogue(t Talker, tag, source string, payload []byte) {
	out := payload
	if e.Reply != nil {
		out = e.Reply(payload)
	}
	if err := t.Talk(tag, e.Name, out); err != nil {
		pp("EchoCellet(%v): reply to '%v' failed: '%v'", e.Name, tag, err)
	}
}
