package ha

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/mirrorstore/mirrorstore/utils/log"
)

// acceptor listens on the HA port and builds a connection per accepted slave.
type acceptor struct {
	svc      *Service
	port     int
	listener *net.TCPListener
	stopped  int32 // atomic
	wg       sync.WaitGroup
}

func newAcceptor(svc *Service, port int) *acceptor {
	return &acceptor{
		svc:  svc,
		port: port,
	}
}

// beginAccept binds the listen socket. Split from start so a bind failure
// surfaces synchronously from Service.Start.
func (a *acceptor) beginAccept() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.port))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on HA port %d", a.port)
	}
	a.listener = ln.(*net.TCPListener)
	return nil
}

func (a *acceptor) addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

func (a *acceptor) start() {
	a.wg.Add(1)
	go a.run()
}

func (a *acceptor) run() {
	defer a.wg.Done()
	log.Info("accept service started on %s", a.listener.Addr())

	for !a.isStopped() {
		// Bounded wait so shutdown is observed within a second.
		if err := a.listener.SetDeadline(time.Now().Add(time.Second)); err != nil {
			log.Error("accept service failed to arm deadline: %v", err)
			break
		}

		sc, err := a.listener.AcceptTCP()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if a.isStopped() {
				break
			}
			log.Error("accept service error: %v", err)
			continue
		}

		log.Info("receive new slave connection from %s", sc.RemoteAddr())
		conn, err := newConnection(a.svc, sc)
		if err != nil {
			log.Error("new slave connection setup error: %v", err)
			sc.Close()
			continue
		}
		a.svc.addConnection(conn)
		conn.start()
	}

	log.Info("accept service end")
}

func (a *acceptor) isStopped() bool {
	return atomic.LoadInt32(&a.stopped) == 1
}

func (a *acceptor) shutdown() {
	atomic.StoreInt32(&a.stopped, 1)
	if a.listener != nil {
		a.listener.Close()
	}
	a.wg.Wait()
}
