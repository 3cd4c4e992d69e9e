// Package controller implements the Request Controller side of the
// pool: the thin wiring between an already-accepted client connection
// and a Pool-selected Process (spec.md §6, SPEC_FULL.md §6).
package controller

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/phusion/passenger-sub013/internal/common/logger"
	"github.com/phusion/passenger-sub013/internal/pool"
)

// Controller proxies already-accepted connections into the Pool. It
// carries no state of its own beyond the Pool and logger; one
// Controller can serve any number of concurrent ServeConn calls.
type Controller struct {
	pool *pool.Pool
	log  *logger.Logger
}

// New builds a Controller bound to p.
func New(p *pool.Pool, log *logger.Logger) *Controller {
	if log == nil {
		log = logger.Default()
	}
	return &Controller{pool: p, log: log}
}

// asyncGetResult carries Pool.AsyncGet's callback result across to the
// goroutine blocked on it in ServeConn.
type asyncGetResult struct {
	session *pool.Session
	err     error
}

// get wraps Pool.AsyncGet in a blocking call bounded by ctx, so ServeConn
// can select on both the callback and the client disconnecting or the
// caller's deadline expiring. If ctx wins the race, the still-queued
// waiter is cancelled via Pool.Cancel so it never outlives this call
// (spec.md §5: "a client disconnect cancels a queued get() the same way"
// as a deadline timeout).
func (c *Controller) get(ctx context.Context, opts pool.Options) (*pool.Session, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultGetTimeout)
		defer cancel()
	}
	resultCh := make(chan asyncGetResult, 1)
	handle := c.pool.AsyncGet(opts, func(sess *pool.Session, err error) {
		resultCh <- asyncGetResult{session: sess, err: err}
	})

	select {
	case res := <-resultCh:
		return res.session, res.err
	case <-ctx.Done():
		c.pool.Cancel(handle)
		return nil, ctx.Err()
	}
}

// ServeConn is the Request Controller's sole entry point: it selects a
// Process for opts, opens a Session against it, and proxies clientConn's
// bytes to and from the Process's socket until either side closes or ctx
// is cancelled. It returns once the proxy has fully drained.
//
// A ProcessDied error -- the Process exited between session allocation and
// initiate() -- is retried once (spec.md §7); any other error, or a second
// ProcessDied, is returned to the caller.
func (c *Controller) ServeConn(ctx context.Context, clientConn net.Conn, opts pool.Options) error {
	sess, err := c.getAndInitiate(ctx, opts)
	if err != nil && pool.IsRetryable(err) {
		sess, err = c.getAndInitiate(ctx, opts)
	}
	if err != nil {
		return err
	}

	success := false
	keepAlive := false
	defer func() {
		sess.Close(success, keepAlive)
	}()

	upstream := sess.Conn()
	if err := c.proxy(ctx, clientConn, upstream); err != nil {
		return err
	}
	success = true
	return nil
}

// getAndInitiate obtains a Session from the Pool and dials its socket. A
// Session that fails to initiate is closed right away so its slot on the
// Process is freed before ServeConn's caller decides whether to retry.
func (c *Controller) getAndInitiate(ctx context.Context, opts pool.Options) (*pool.Session, error) {
	sess, err := c.get(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := sess.Initiate(); err != nil {
		sess.Close(false, false)
		return nil, err
	}
	return sess, nil
}

// proxy copies bytes bidirectionally between client and upstream until
// one side's read returns EOF, at which point it closes the write-half
// of the other to unblock its copy, then waits for both to finish.
func (c *Controller) proxy(ctx context.Context, client, upstream net.Conn) error {
	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		_, err := io.Copy(upstream, client)
		closeWrite(upstream)
		return ignoreCloseErr(err)
	})
	g.Go(func() error {
		_, err := io.Copy(client, upstream)
		closeWrite(client)
		return ignoreCloseErr(err)
	})

	go func() {
		<-ctx.Done()
		_ = client.Close()
		_ = upstream.Close()
	}()

	return g.Wait()
}

// halfCloser is implemented by *net.TCPConn and *net.UnixConn; for
// transports without a half-close (e.g. net.Pipe in tests) proxy falls
// back to a full Close, which is the best available signal.
type halfCloser interface {
	CloseWrite() error
}

func closeWrite(conn net.Conn) {
	if hc, ok := conn.(halfCloser); ok {
		_ = hc.CloseWrite()
		return
	}
	_ = conn.Close()
}

func ignoreCloseErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

// DefaultGetTimeout bounds how long ServeConn's internal Controller.get
// call waits when the caller supplies a context without its own
// deadline; callers normally derive ctx from a request with its own
// timeout instead.
const DefaultGetTimeout = 60 * time.Second

// OptionsForConn derives the pool.Options a freshly accepted connection
// should be routed with. Implementations typically peek at the
// connection's local address or an upstream-supplied header to decide
// which app the request belongs to.
type OptionsForConn func(conn net.Conn) (pool.Options, error)

// ListenAndServe accepts connections from ln until ctx is cancelled,
// dispatching each to ServeConn on its own goroutine with opts derived by
// optsFor. It returns only after ctx is cancelled and ln.Close() unblocks
// the accept loop.
func (c *Controller) ListenAndServe(ctx context.Context, ln net.Listener, optsFor OptionsForConn) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		go func(conn net.Conn) {
			defer conn.Close()

			// Each connection gets its own context derived from the
			// server-wide one, so its queued get() can be cancelled on its
			// own -- e.g. once this goroutine returns -- rather than only
			// ever observing a process-wide shutdown of the shared ctx.
			connCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			opts, err := optsFor(conn)
			if err != nil {
				c.log.Warn("rejecting connection, could not derive pool options", zap.Error(err))
				return
			}
			if err := c.ServeConn(connCtx, conn, opts); err != nil {
				c.log.Debug("connection served with error", zap.Error(err))
			}
		}(conn)
	}
}
