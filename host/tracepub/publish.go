package tracepub

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softdap/pkg"
)

// Targets selects where trace is published.
type Targets struct {
	Console io.Writer // optional local copy, e.g. stdout
	MQTT    string    // broker URL
	Topic   string    // topic below the broker URL prefix
	Listen  string    // websocket listen address
}

// StreamFunc copies trace into w until ctx is done.
type StreamFunc func(ctx context.Context, w io.Writer) (int64, error)

// Publish runs stream with every configured target attached and returns
// when ctx is done or a target fails. Cancellation is not an error.
func Publish(ctx context.Context, t Targets, stream StreamFunc) error {
	var writers []io.Writer
	if t.Console != nil {
		writers = append(writers, t.Console)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if t.MQTT != "" {
		sink, err := NewMQTTSink(t.MQTT, t.Topic)
		if err != nil {
			return err
		}
		if err := sink.Connect(ctx); err != nil {
			return err
		}
		defer sink.Close()
		writers = append(writers, sink)
	}

	if t.Listen != "" {
		ln, err := net.Listen("tcp", t.Listen)
		if err != nil {
			return err
		}
		hub := NewWebSocketHub(0)
		srv := &http.Server{Handler: hub.Handler()}
		pkg.LogInfo(pkg.ComponentTrace, "serving trace", "addr", ln.Addr().String())
		g.Go(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			hub.Close()
			return srv.Close()
		})
		writers = append(writers, hub)
	}

	g.Go(func() error {
		defer cancel()
		n, err := stream(gctx, io.MultiWriter(writers...))
		pkg.LogInfo(pkg.ComponentTrace, "trace stopped", "bytes", n)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	})
	return g.Wait()
}
