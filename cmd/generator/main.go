package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/chimera-pool/generator/internal/config"
	"github.com/chimera-pool/generator/internal/control"
	"github.com/chimera-pool/generator/internal/ipc"
	"github.com/chimera-pool/generator/internal/proxy"
	"github.com/chimera-pool/generator/internal/servermode"
	"github.com/chimera-pool/generator/internal/session"
)

func main() {
	configPath := flag.String("config", "", "path to the generator's YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("generator: config error: %v", err)
		fatalExit(nil)
	}

	stratifier := ipc.New(cfg.RedisAddr, cfg.RedisChannel, cfg.DialTimeout)
	defer stratifier.Close()

	switch cfg.Mode {
	case config.ModeProxy:
		runProxy(cfg, stratifier)
	case config.ModeServer:
		runServer(cfg, stratifier)
	default:
		log.Printf("generator: unknown mode %q", cfg.Mode)
		fatalExit(stratifier)
	}
}

// fatalExit implements §6's exit-code contract: a shutdown message to the
// supervisor, a one-second grace period, then exit 1.
func fatalExit(stratifier *ipc.Stratifier) {
	if stratifier != nil {
		stratifier.NotifyShutdown()
	}
	time.Sleep(time.Second)
	os.Exit(1)
}

func runProxy(cfg config.Config, stratifier *ipc.Stratifier) {
	sess := dialFirstHealthyUpstream(cfg, stratifier)

	driver := proxy.NewDriver(sess, stratifier, cfg.ReconnectGap, cfg.ReadTimeout)
	driver.Start()

	srv, err := control.Listen(cfg.ControlSocket)
	if err != nil {
		log.Printf("generator: control socket bind failed: %v", err)
		fatalExit(stratifier)
	}

	var once sync.Once
	shutdownCh := make(chan struct{})
	requestShutdown := func() {
		once.Do(func() { close(shutdownCh) })
	}

	handler := &control.ProxyHandler{Sess: sess, Shutdown: requestShutdown}
	go srv.Serve(handler.Handle)

	waitForShutdown(shutdownCh)

	srv.Close()
	driver.Stop()
	sess.Close()
	stratifier.NotifyShutdown()
	os.Exit(0)
}

// dialFirstHealthyUpstream tries each configured upstream Stratum pool in
// order and runs with the first that completes subscribe+authorize; it
// never fails over again once a session is running (§9 Non-goal: no
// multi-node round-robin within a run). No survivor is a fatal startup
// error.
func dialFirstHealthyUpstream(cfg config.Config, stratifier *ipc.Stratifier) *session.Session {
	for _, up := range cfg.Upstreams {
		sess := session.New(up.URL, up.User, up.Password, cfg.ClientTag, cfg.DialTimeout, cfg.ReadTimeout)
		if err := sess.Dial(); err != nil {
			log.Printf("generator: upstream %s dial failed: %v", up.URL, err)
			continue
		}
		if err := subscribeWithFallback(sess); err != nil {
			log.Printf("generator: upstream %s subscribe exhausted fallback ladder: %v", up.URL, err)
			sess.Close()
			continue
		}
		if err := sess.Authorize(nil); err != nil {
			log.Printf("generator: upstream %s authorize failed: %v", up.URL, err)
			sess.Close()
			continue
		}
		log.Printf("generator: upstream %s subscribed and authorized", up.URL)
		stratifier.NotifySubscribe()
		return sess
	}

	log.Printf("generator: no upstream survived startup")
	fatalExit(stratifier)
	return nil // unreachable; fatalExit terminates the process
}

// subscribeWithFallback drives the three-tier subscribe ladder of §4.3 on
// one session: each failed attempt closes and redials the socket (a failed
// subscribe leaves the connection in an unspecified state) before retrying,
// escalating through no_sessionid then no_params. It gives up only when the
// attempt made with the ladder already exhausted (empty params) fails too.
func subscribeWithFallback(sess *session.Session) error {
	for {
		lastTier := sess.Exhausted()
		err := sess.Subscribe()
		if err == nil {
			return nil
		}
		if lastTier {
			return err
		}
		log.Printf("generator: upstream %s subscribe fallback: %v", sess.Addr, err)

		sess.Close()
		if dialErr := sess.Dial(); dialErr != nil {
			return dialErr
		}
	}
}

func runServer(cfg config.Config, stratifier *ipc.Stratifier) {
	client, err := servermode.Probe(cfg.Nodes, cfg.DialTimeout)
	if err != nil {
		log.Printf("generator: %v", err)
		fatalExit(stratifier)
	}

	srv, err := control.Listen(cfg.ControlSocket)
	if err != nil {
		log.Printf("generator: control socket bind failed: %v", err)
		fatalExit(stratifier)
	}

	var once sync.Once
	shutdownCh := make(chan struct{})
	requestShutdown := func() {
		once.Do(func() { close(shutdownCh) })
	}

	handler := &servermode.Handler{Client: client, Notifier: stratifier, Shutdown: requestShutdown}
	go srv.Serve(handler.Handle)

	waitForShutdown(shutdownCh)

	srv.Close()
	stratifier.NotifyShutdown()
	os.Exit(0)
}

// waitForShutdown blocks until either the control socket's shutdown verb or
// an OS signal asks the process to exit cleanly (§6, §5 cancellation).
func waitForShutdown(shutdownCh <-chan struct{}) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-shutdownCh:
		log.Printf("generator: shutdown requested over control socket")
	case s := <-sig:
		log.Printf("generator: received signal %v, shutting down", s)
	}
}
