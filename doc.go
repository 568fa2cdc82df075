/*
Package celltalk is a TCP session framework. An Acceptor
listens and hands each connection's reads and writes to a
small pool of workers; a Connector drives one outbound
connection from a single goroutine. Both frame messages
between configurable head and tail markers, optionally
encrypt them per session, and report session lifecycle and
traffic to an Observer.

The talk sub-package layers the Talk handshake and dialogue
protocol over an Acceptor (talk.Service) and a Connector
(talk.Speaker).

Quick start, server side:

	cfg := celltalk.NewConfig()
	acc := celltalk.NewAcceptor(cfg, myObserver)
	addr, err := acc.Bind("127.0.0.1:7000")
	...
	defer acc.Unbind()

Client side:

	conn := celltalk.NewConnector(cfg, otherObserver)
	sess, err := conn.Connect("127.0.0.1:7000", 5*time.Second)
	...
	sess.Write(celltalk.NewMessage([]byte("hello")))

Observer callbacks run on the goroutine that did the I/O.
A callback that blocks stalls every other session owned by
the same worker.

Per session, frames are delivered in the order the peer
wrote them and writes leave in the order they were queued.
Nothing is ordered across sessions.
*/
package celltalk
