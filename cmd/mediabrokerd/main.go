package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/streamgraph/mediabroker"
	"github.com/streamgraph/mediabroker/pkg/config"
	"github.com/streamgraph/mediabroker/pkg/protocol"
	"github.com/streamgraph/mediabroker/pkg/registry"
	"github.com/streamgraph/mediabroker/pkg/transport"
)

func main() {
	configPath := flag.String("c", "", "configuration file path")
	socketPath := flag.String("s", "", "unix socket path (overrides configuration)")
	logLevel := flag.String("l", "", "log level (overrides configuration)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Printf("could not load configuration %v : %v\n", *configPath, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	srv := &server{
		cfg:     cfg,
		globals: registry.NewGlobals(),
	}
	if err := srv.run(); err != nil {
		log.Errorf("server exited : %v", err)
		os.Exit(1)
	}
}

// server owns the listening endpoint and the per-connection protocol
// state. One goroutine per connection pumps its transport; the graph data
// thread is driven separately by whichever module owns the graph.
type server struct {
	cfg     *config.Config
	globals *registry.Globals
}

func (s *server) run() error {
	_ = os.Remove(s.cfg.SocketPath)
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.cfg.SocketPath, Net: "unix"})
	if err != nil {
		return err
	}
	defer ln.Close()
	defer os.Remove(s.cfg.SocketPath)
	log.Infof("listening on %v", s.cfg.SocketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received %v, shutting down", sig)
		ln.Close()
	}()

	for {
		uc, err := ln.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.serveConn(uc)
	}
}

// serveConn performs the peer-credential check, allocates the connection
// and its Core resource at id 0, then pumps messages until the peer goes
// away.
func (s *server) serveConn(uc *net.UnixConn) {
	cred, err := transport.PeerCredentials(uc)
	if err != nil {
		log.Warnf("peer credential check failed : %v", err)
		uc.Close()
		return
	}
	if cred.Uid != uint32(os.Getuid()) && cred.Uid != 0 {
		log.Warnf("rejecting connection from uid %d", cred.Uid)
		uc.Close()
		return
	}
	log.Debugf("client connected pid=%d uid=%d", cred.Pid, cred.Uid)

	tr := transport.NewConn(uc, nil)
	tr.SetMaxMessageSize(s.cfg.MaxMessageSize)
	tr.SetMaxFDsPerMessage(s.cfg.MaxFDsPerMessage)
	conn := registry.NewClientConnection(tr, nil)
	defer conn.Close()

	core := &coreBehavior{server: s}
	if _, err := protocol.BindCore(conn, 0, core); err != nil {
		log.Errorf("binding core resource : %v", err)
		return
	}

	for {
		msgs, err := tr.Poll()
		for _, m := range msgs {
			if derr := registry.Dispatch(conn, m.DestID, m.Opcode, m.Payload, m.ResolveFD); derr != nil {
				log.Warnf("protocol error, closing connection : %v", derr)
				return
			}
			if ferr := tr.Flush(); ferr != nil {
				log.Warnf("flush failed : %v", ferr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, transport.ErrPeerClosed) {
				log.Debugf("client disconnected pid=%d", cred.Pid)
			} else {
				log.Warnf("poll failed : %v", err)
			}
			return
		}
	}
}

// coreBehavior is the server's Core resource implementation: sync fences,
// registry handout, and factory-backed node creation. No factories are
// registered yet, so create requests answer with a policy error rather
// than tearing the connection down.
type coreBehavior struct {
	server *server
	props  protocol.Dict
}

func (c *coreBehavior) ClientUpdate(r *registry.Resource, props protocol.Dict) {
	c.props = props
}

func (c *coreBehavior) Sync(r *registry.Resource, seq uint32) {
	// done is emitted after every previously dispatched request on this
	// connection has run to completion, which holds trivially here:
	// dispatch is sequential per connection.
	if err := protocol.CoreMarshalDone(r, seq); err != nil {
		log.Warnf("core.done : %v", err)
	}
}

func (c *coreBehavior) GetRegistry(r *registry.Resource, seq, newID uint32) {
	regRes, err := protocol.BindRegistry(r.Conn, newID, &registryBehavior{server: c.server, core: r})
	if err != nil {
		c.policyError(r, newID, err)
		return
	}
	// Replay the currently advertised globals to the fresh registry.
	c.server.globals.Each(func(g *registry.Global) {
		if err := protocol.RegistryMarshalGlobal(regRes, g.ID, g.Type.String()); err != nil {
			log.Warnf("registry.global : %v", err)
		}
	})
	if err := protocol.CoreMarshalDone(r, seq); err != nil {
		log.Warnf("core.done : %v", err)
	}
}

func (c *coreBehavior) CreateNode(r *registry.Resource, seq uint32, factoryName, name string, props protocol.Dict, newID uint32) {
	c.policyError(r, newID, fmt.Errorf("no factory named %q: %w", factoryName, mediabroker.ErrNotFound))
}

func (c *coreBehavior) CreateClientNode(r *registry.Resource, seq uint32, name string, props protocol.Dict, newID uint32) {
	c.policyError(r, newID, fmt.Errorf("client nodes unavailable: %w", mediabroker.ErrNotFound))
}

func (c *coreBehavior) policyError(r *registry.Resource, id uint32, err error) {
	log.Debugf("policy error on id %d : %v", id, err)
	if merr := protocol.CoreMarshalError(r, id, -1, err.Error()); merr != nil {
		log.Warnf("core.error : %v", merr)
	}
}

// registryBehavior binds advertised globals into the connection's id
// space.
type registryBehavior struct {
	server *server
	core   *registry.Resource
}

func (b *registryBehavior) Bind(r *registry.Resource, id, newID uint32) {
	if _, err := b.server.globals.BindGlobal(r.Conn, id, newID); err != nil {
		log.Debugf("bind global %d failed : %v", id, err)
		if merr := protocol.CoreMarshalError(b.core, newID, -1, err.Error()); merr != nil {
			log.Warnf("core.error : %v", merr)
		}
	}
}
