package talk

import (
	"github.com/glycerine/celltalk/packet"
)

func (svc *Service) dispatch(st *sessState, p *packet.Packet) {
	pp("talk: %v from %v", p, st.sess)
	switch p.Tag {
	case TagCheck:
		svc.processCheck(st, p)
	case TagRequest:
		svc.processRequest(st, p)
	case TagDialogue:
		svc.processDialogue(st, p)
	case TagHeartbeat:
		svc.processHeartbeat(st, p)
	case TagConsult:
		svc.processConsult(st, p)
	case TagQuick:
		svc.processQuick(st, p)
	case TagProxy:
		svc.processProxy(st, p)
	default:
		pp("talk: ignoring packet tag %q from %v", p.Tag.String(), st.sess)
	}
}

// malformed drops the session on a packet missing segments.
func (svc *Service) malformed(st *sessState, p *packet.Packet) {
	alwaysPrintf("talk: malformed %v from %v; closing", p, st.sess)
	st.sess.Close()
}

// takeCertificate claims the certificate of st. A session
// that already answered, or timed out, has none.
func (svc *Service) takeCertificate(st *sessState) *certificate {
	cert, ok := svc.certs.Get(st.sess.ID())
	if !ok {
		return nil
	}
	if !svc.certs.Del(st.sess.ID()) {
		return nil
	}
	return cert
}

// CHECK [plaintext, tag]
func (svc *Service) processCheck(st *sessState, p *packet.Packet) {
	if p.SegmentCount() < 2 {
		svc.malformed(st, p)
		return
	}
	cert := svc.takeCertificate(st)
	if cert == nil {
		pp("talk: CHECK without a pending handshake on %v", st.sess)
		return
	}
	plaintext, tag := p.SegmentString(0), p.SegmentString(1)
	if plaintext != cert.plaintext || tag == "" {
		svc.send(st.sess, replyTo(p, TagCheck, StatusFailure, svc.tag))
		svc.reject(st.sess)
		return
	}
	if !svc.accept(st, tag, cert.key, nil) {
		return
	}
	svc.send(st.sess, replyTo(p, TagCheck, StatusSuccess, svc.tag))
}

// REQUEST [identifier, tag]
func (svc *Service) processRequest(st *sessState, p *packet.Packet) {
	if p.SegmentCount() < 2 {
		svc.malformed(st, p)
		return
	}
	id := p.SegmentString(0)
	authed, tag, _, tracker := st.identity()
	if !authed || p.SegmentString(1) != tag {
		svc.send(st.sess, replyTo(p, TagRequest, StatusFailure, id, svc.tag))
		return
	}
	cellet, ok := svc.cellets.Get(id)
	if !ok {
		svc.send(st.sess, replyTo(p, TagRequest, StatusFailureNoService, id, svc.tag))
		return
	}
	first := svc.firstSubscriber(tag, st.sess.ID(), id)
	added := tracker.AddIdentifier(id)
	svc.send(st.sess, replyTo(p, TagRequest, StatusSuccess, id, svc.tag))
	if added && first {
		cellet.Contacted(tag)
	}
}

func (svc *Service) firstSubscriber(tag string, sid int64, id string) bool {
	ctx := svc.Context(tag)
	return ctx == nil || !ctx.subscribedElsewhere(sid, id)
}

// DIALOGUE [payload, senderTag, identifier(, endTag)]
func (svc *Service) processDialogue(st *sessState, p *packet.Packet) {
	authed, tag, _, tracker := st.identity()
	if !authed {
		pp("talk: DIALOGUE before handshake on %v", st.sess)
		return
	}
	if p.SegmentCount() < 3 {
		svc.malformed(st, p)
		return
	}
	payload, err := st.decompress(p.Segment(0))
	if err != nil {
		alwaysPrintf("talk: cannot decompress dialogue from %v: '%v'", st.sess, err)
		return
	}
	id := p.SegmentString(2)
	source := tag
	if end := p.SegmentString(3); end != "" && end != tag {
		st.mut.Lock()
		ok := st.endTags[end]
		st.mut.Unlock()
		if !ok {
			pp("talk: %v speaks for unregistered end tag '%v'", st.sess, end)
			return
		}
		ctx := svc.Context(end)
		if ctx == nil {
			return
		}
		e := ctx.lookup(st.sess.ID())
		if e == nil {
			return
		}
		tag, tracker = end, e.tracker
	}
	if !tracker.Has(id) {
		pp("talk: '%v' has not requested '%v'", tag, id)
		return
	}
	cellet, ok := svc.cellets.Get(id)
	if !ok {
		return
	}
	cellet.Dialogue(svc, tag, source, payload)
}

// HEARTBEAT []
func (svc *Service) processHeartbeat(st *sessState, p *packet.Packet) {
	authed, tag, _, _ := st.identity()
	if !authed {
		return
	}
	now := svc.now()
	svc.hb.touch(st, now)
	if ctx := svc.Context(tag); ctx != nil {
		ctx.touch(st.sess.ID(), now)
	}
	if st.isClosed() {
		svc.hb.remove(st.sess.ID())
		return
	}
	svc.send(st.sess, replyTo(p, TagHeartbeat))
}

// negotiate settles what the server agrees to.
func negotiate(asked *Capacity) *Capacity {
	agreed := asked.Clone()
	if agreed.Version <= 0 || agreed.Version > ProtocolVersion {
		agreed.Version = ProtocolVersion
	}
	return agreed
}

// applySecure switches encryption after a reply has been
// queued, so the reply travels under the old setting.
func (svc *Service) applySecure(st *sessState, key []byte, secure bool) {
	if !secure {
		key = nil
	}
	if err := st.sess.SetSecretKey(key); err != nil {
		alwaysPrintf("talk: cannot set key on %v: '%v'", st.sess, err)
		st.sess.Close()
	}
}

// CONSULT [tag, capacity]
func (svc *Service) processConsult(st *sessState, p *packet.Packet) {
	if p.SegmentCount() < 2 {
		svc.malformed(st, p)
		return
	}
	authed, tag, key, tracker := st.identity()
	if !authed || p.SegmentString(0) != tag {
		svc.send(st.sess, replyTo(p, TagConsult, StatusFailure, encodeCapacity(NewCapacity())))
		return
	}
	asked, err := decodeCapacity(p.Segment(1))
	if err != nil {
		svc.send(st.sess, replyTo(p, TagConsult, StatusFailure, encodeCapacity(tracker.Capacity())))
		return
	}
	agreed := negotiate(asked)
	svc.send(st.sess, replyTo(p, TagConsult, StatusSuccess, encodeCapacity(agreed)))
	if err := st.setCapacity(agreed); err != nil {
		alwaysPrintf("talk: consult on %v: '%v'", st.sess, err)
		st.sess.Close()
		return
	}
	svc.applySecure(st, key, agreed.Secure)
}

// QUICK [plaintext, tag, capacity, identifier...]
func (svc *Service) processQuick(st *sessState, p *packet.Packet) {
	if p.SegmentCount() < 3 {
		svc.malformed(st, p)
		return
	}
	cert := svc.takeCertificate(st)
	if cert == nil {
		svc.send(st.sess, replyTo(p, TagQuick, StatusFailure, svc.tag))
		return
	}
	plaintext, tag := p.SegmentString(0), p.SegmentString(1)
	asked, err := decodeCapacity(p.Segment(2))
	if plaintext != cert.plaintext || tag == "" || err != nil {
		svc.send(st.sess, replyTo(p, TagQuick, StatusFailure, svc.tag))
		svc.reject(st.sess)
		return
	}
	agreed := negotiate(asked)
	if !svc.accept(st, tag, cert.key, agreed) {
		return
	}
	if err := st.setCapacity(agreed); err != nil {
		svc.send(st.sess, replyTo(p, TagQuick, StatusFailure, svc.tag))
		st.sess.Close()
		return
	}
	_, _, _, tracker := st.identity()

	status := StatusSuccess
	var acked []Cellet
	var contact []Cellet
	for _, seg := range p.Segments()[3:] {
		id := string(seg)
		cellet, ok := svc.cellets.Get(id)
		if !ok {
			status = StatusFailureNoService
			continue
		}
		first := svc.firstSubscriber(tag, st.sess.ID(), id)
		if tracker.AddIdentifier(id) && first {
			contact = append(contact, cellet)
		}
		acked = append(acked, cellet)
	}
	segs := []any{status, svc.tag, encodeCapacity(agreed)}
	for _, c := range acked {
		segs = append(segs, c.Identifier())
	}
	svc.send(st.sess, replyTo(p, TagQuick, segs...))
	svc.applySecure(st, cert.key, agreed.Secure)
	for _, c := range contact {
		c.Contacted(tag)
	}
}

// PROXY [proxyTag, endTag, identifier]
func (svc *Service) processProxy(st *sessState, p *packet.Packet) {
	if p.SegmentCount() < 3 {
		svc.malformed(st, p)
		return
	}
	proxyTag, end, id := p.SegmentString(0), p.SegmentString(1), p.SegmentString(2)
	authed, tag, _, tracker := st.identity()
	if !authed || proxyTag != tag || end == "" || end == tag || !tracker.Capacity().Proxy {
		svc.send(st.sess, replyTo(p, TagProxy, StatusFailure, end, id))
		return
	}
	cellet, ok := svc.cellets.Get(id)
	if !ok {
		svc.send(st.sess, replyTo(p, TagProxy, StatusFailureNoService, end, id))
		return
	}

	st.mut.Lock()
	if st.closed {
		st.mut.Unlock()
		return
	}
	st.endTags[end] = true
	st.mut.Unlock()

	var e *entry
	if ctx := svc.Context(end); ctx != nil {
		e = ctx.lookup(st.sess.ID())
	}
	if e == nil {
		e = &entry{
			sess:      st.sess,
			tracker:   newTracker(tracker.Capacity()),
			proxy:     proxyTag,
			heartbeat: svc.now(),
		}
		svc.attach(end, e)
	}
	first := svc.firstSubscriber(end, st.sess.ID(), id)
	added := e.tracker.AddIdentifier(id)
	if st.isClosed() {
		svc.detach(end, st.sess.ID())
		return
	}
	svc.send(st.sess, replyTo(p, TagProxy, StatusSuccess, end, id))
	if added && first {
		cellet.ProxyContacted(proxyTag, end)
	}
}
