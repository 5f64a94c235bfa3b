// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package overlay

import (
	"net"
	"sync"

	"github.com/likecoin-dev/coinffeine/internal/cx"
)

// outBufferSize is the size of a worker's buffered outgoing-frame channel.
const outBufferSize = 128

// BindError is returned by Bind when the listener cannot be established; it
// is fatal to starting the server.
const BindError = cx.ErrorKind("bind error")

// worker is the per-connection actor: one goroutine reads frames, one
// writes them, and the server's own goroutine owns the id->worker mapping.
// Mirrors the teacher's RPCClient/wsConnection split, generalized from
// websocket frames to raw length-prefixed protobuf frames.
type worker struct {
	conn net.Conn
	id   EndpointID
	hasID bool

	outChan chan frameOut
	quit    chan struct{}
	quitMtx sync.Mutex
	closed  bool
}

type frameOut struct {
	kind frameKind
	body []byte
}

func newWorker(conn net.Conn) *worker {
	return &worker{
		conn:    conn,
		outChan: make(chan frameOut, outBufferSize),
		quit:    make(chan struct{}),
	}
}

// Terminate closes the worker's connection, causing its read/write loops to
// exit. Safe to call more than once.
func (w *worker) Terminate() {
	w.quitMtx.Lock()
	defer w.quitMtx.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.quit)
	w.conn.Close()
}

func (w *worker) sendStatus(m StatusMessage) bool {
	return w.send(frameOut{kind: kindStatus, body: m.marshal()})
}

func (w *worker) sendRelay(m RelayMessage) bool {
	return w.send(frameOut{kind: kindRelay, body: m.marshal()})
}

func (w *worker) send(f frameOut) bool {
	select {
	case w.outChan <- f:
		return true
	case <-w.quit:
		return false
	default:
		// Outgoing buffer full: the worker is not keeping up. Drop rather
		// than block the server's single-threaded dispatch loop.
		return false
	}
}

func (w *worker) writeLoop() {
	for {
		select {
		case f := <-w.outChan:
			if err := writeFrame(w.conn, f.kind, f.body); err != nil {
				w.Terminate()
				return
			}
		case <-w.quit:
			return
		}
	}
}

// Server is the broker's relay endpoint: a star topology where every peer
// holds one TCP connection and peer-to-peer traffic is forwarded by this
// server. Its id->worker mapping is mutated only from dispatch, its own
// single-threaded actor, per the concurrency model's "shared resources"
// rule.
type Server struct {
	log cx.Logger

	dispatch chan func()

	mtx     sync.Mutex // guards workers only for membership-size reads from outside dispatch
	workers map[EndpointID]*worker
	ln      net.Listener

	wg sync.WaitGroup
}

// NewServer constructs a Server that has not yet bound a listener.
func NewServer(log cx.Logger) *Server {
	return &Server{
		log:      log,
		dispatch: make(chan func(), 64),
		workers:  make(map[EndpointID]*worker),
	}
}

// Bind opens the listening socket. A bind failure is fatal to starting the
// server.
func (s *Server) Bind(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return cx.NewError(BindError, err.Error())
	}
	s.ln = ln
	return nil
}

// Run accepts connections and runs the server's dispatch loop until quit is
// closed. Run blocks; call it in its own goroutine.
func (s *Server) Run(quit <-chan struct{}) {
	go s.acceptLoop(quit)
	for {
		select {
		case fn := <-s.dispatch:
			fn()
		case <-quit:
			s.ln.Close()
			s.mtx.Lock()
			workers := make([]*worker, 0, len(s.workers))
			for _, w := range s.workers {
				workers = append(workers, w)
			}
			s.mtx.Unlock()
			for _, w := range workers {
				w.Terminate()
			}
			s.wg.Wait()
			return
		}
	}
}

func (s *Server) acceptLoop(quit <-chan struct{}) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-quit:
				return
			default:
				s.log.Errorf("overlay: accept error: %v", err)
				return
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn, quit)
	}
}

func (s *Server) handleConn(conn net.Conn, quit <-chan struct{}) {
	defer s.wg.Done()
	w := newWorker(conn)
	go w.writeLoop()
	defer w.Terminate()

	// The first client->server frame after connect must be a RelayMessage
	// whose payload is Join{id}.
	fr, err := readFrame(conn)
	if err != nil {
		s.log.Debugf("overlay: join read error: %v", err)
		return
	}
	if fr.relay == nil {
		s.log.Debugf("overlay: first frame was not a Join relay message")
		return
	}
	join, err := unmarshalJoin(fr.relay.Payload)
	if err != nil {
		s.log.Debugf("overlay: malformed join payload: %v", err)
		return
	}
	w.id = join.ID
	w.hasID = true

	joined := make(chan struct{})
	select {
	case s.dispatch <- func() { s.onJoin(w); close(joined) }:
	case <-quit:
		return
	}
	<-joined

	for {
		fr, err := readFrame(conn)
		if err != nil {
			break
		}
		msg := fr
		select {
		case s.dispatch <- func() { s.onFrame(w, msg) }:
		case <-quit:
			return
		case <-w.quit:
			return
		}
	}

	done := make(chan struct{})
	select {
	case s.dispatch <- func() { s.onDisconnect(w); close(done) }:
	case <-quit:
		return
	}
	<-done
}

// onJoin implements JoinAs: if id is already mapped, the previous worker is
// terminated (last-writer-wins); the new worker is acknowledged and all
// other workers are notified with a fresh StatusMessage.
func (s *Server) onJoin(w *worker) {
	s.mtx.Lock()
	if prev, ok := s.workers[w.id]; ok {
		delete(s.workers, w.id)
		s.mtx.Unlock()
		prev.Terminate()
		s.mtx.Lock()
	}
	s.workers[w.id] = w
	size := len(s.workers)
	s.mtx.Unlock()

	w.sendStatus(StatusMessage{NetworkSize: uint32(size)})
	s.broadcastStatus(w)
}

// onFrame implements Relay(to, payload): look up the sender's id, look up
// the destination; forward if present, drop and log if absent.
func (s *Server) onFrame(w *worker, fr frame) {
	if fr.relay == nil {
		return
	}
	if !w.hasID {
		return
	}
	s.mtx.Lock()
	dest, ok := s.workers[fr.relay.EndpointID]
	s.mtx.Unlock()
	if !ok {
		s.log.Debugf("overlay: drop relay to unknown endpoint %s", fr.relay.EndpointID)
		return
	}
	dest.sendRelay(RelayMessage{EndpointID: w.id, Payload: fr.relay.Payload})
}

// onDisconnect removes w's id mapping if present and broadcasts an updated
// status.
func (s *Server) onDisconnect(w *worker) {
	s.mtx.Lock()
	if cur, ok := s.workers[w.id]; ok && cur == w {
		delete(s.workers, w.id)
		s.mtx.Unlock()
		s.broadcastStatus(nil)
		return
	}
	s.mtx.Unlock()
}

// broadcastStatus sends the current network size to every joined worker
// except skip (a just-joined worker, which already got it as its ack).
func (s *Server) broadcastStatus(skip *worker) {
	s.mtx.Lock()
	workers := make([]*worker, 0, len(s.workers))
	size := len(s.workers)
	for _, w := range s.workers {
		if w != skip {
			workers = append(workers, w)
		}
	}
	s.mtx.Unlock()
	status := StatusMessage{NetworkSize: uint32(size)}
	for _, w := range workers {
		w.sendStatus(status)
	}
}

// Addr returns the address the server is listening on, once Bind has
// succeeded.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// NetworkSize returns the current number of joined peers.
func (s *Server) NetworkSize() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.workers)
}
