package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"signalblast/internal/compose"
	"signalblast/internal/transport"
	logx "signalblast/pkg/logx"
)

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if req != nil && !req.Logger.IsZero() {
						logger = req.Logger
					}
					logger.Error("panic recovered",
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())),
					)
					err = &Error{Kind: KindInternal, Reply: compose.SomethingWentWrong, Err: fmt.Errorf("panic: %v", r)}
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			logger := log
			if req != nil && !req.Logger.IsZero() {
				logger = req.Logger
			}
			err := next(ctx, req)
			d := time.Since(start)

			if err != nil {
				logger.Warn("request failed", logx.String("kind", KindOf(err).String()), logx.Duration("dur", d), logx.Err(err))
			} else {
				logger.Info("request ok", logx.Duration("dur", d))
			}
			return err
		}
	}
}

// MWReplyOnError sends the Reply of a failed handler back to the chat the
// message came from. Delivery of the reply is best-effort.
func MWReplyOnError(tr transport.Sender) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			var de *Error
			if err == nil || !errors.As(err, &de) || de.Reply == "" {
				return err
			}
			// The handler context may already be expired.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
			defer cancel()
			if _, serr := tr.Send(rctx, req.Msg.ReplyTarget(), de.Reply, nil); serr != nil {
				req.Logger.Warn("error reply not delivered", logx.Err(serr))
			}
			return err
		}
	}
}
