package proxy

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nulpointcorp/routiium/internal/dialect"
	"github.com/nulpointcorp/routiium/internal/logger"
	"github.com/nulpointcorp/routiium/internal/routing"
	"github.com/nulpointcorp/routiium/internal/upstream"
	"github.com/nulpointcorp/routiium/pkg/apierr"
	"github.com/valyala/fasthttp"
)

const streamReadBuffer = 4096

// streamConnectBackoff waits 100/200/400ms between the up-to-three retries
// of the initial stream connect. Jitter is off so tests are deterministic.
func streamConnectBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 400 * time.Millisecond
	return backoff.WithMaxRetries(b, 3)
}

// forwardStream proxies an SSE exchange. It returns true when the stream
// writer took over the response: accounting then happens after the drain.
// On a failed connect or a non-2xx upstream reply the error is written
// synchronously and false is returned.
func (g *Gateway) forwardStream(ctx *fasthttp.RequestCtx, api string, res resolvedRoute, body []byte, bearer, model, reqID, keyID string, start time.Time, reqBytes int) bool {
	out, err := g.convertRequest(ctx, api, res.plan.Mode, body)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return false
	}

	resp, err := g.connectStream(ctx, res, out, bearer)
	if err != nil {
		g.writeTransportError(ctx, err)
		return false
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		ctx.SetStatusCode(resp.StatusCode)
		ctx.SetContentType("application/json")
		ctx.SetBody(errBody)
		return false
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/event-stream"
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType(contentType)
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")

	// Chat clients on a Responses upstream get the stream transcoded event
	// by event; everything else is a raw pipe.
	var transcoder *dialect.StreamTranscoder
	if api == dialect.APIChat && res.plan.Mode == routing.ModeResponses {
		transcoder = dialect.NewStreamTranscoder(model)
	}

	route := res.routeLabel()
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // client disconnects surface as write panics
		defer resp.Body.Close()

		written := 0
		buf := make([]byte, streamReadBuffer)
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				if transcoder != nil {
					chunk = transcoder.Feed(chunk)
				}
				if len(chunk) > 0 {
					written += len(chunk)
					w.Write(chunk) //nolint:errcheck
					w.Flush()      //nolint:errcheck
				}
			}
			if rerr != nil {
				break
			}
		}
		if transcoder != nil {
			if rest := transcoder.Flush(); len(rest) > 0 {
				written += len(rest)
				w.Write(rest) //nolint:errcheck
			}
		}
		w.Flush() //nolint:errcheck

		// Estimate output tokens: ~4 characters per token.
		outputTokens := written / 4
		if outputTokens == 0 {
			outputTokens = 1
		}

		latency := time.Since(start)
		g.sendFeedback(res, reqID, fasthttp.StatusOK, latency, outputTokens, "")
		g.logRequest(logger.RequestLog{
			RequestID:    reqID,
			RouteID:      res.plan.RouteID,
			Route:        route,
			API:          api,
			Model:        model,
			Mode:         res.plan.Mode,
			Stream:       true,
			KeyID:        keyID,
			Status:       fasthttp.StatusOK,
			LatencyMs:    clampLatency(latency),
			OutputTokens: uint32(outputTokens),
		})
		if g.metrics != nil {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP(api, fasthttp.StatusOK, latency, reqBytes, written)
			g.metrics.AddTokens(model, 0, outputTokens)
		}
	})
	return true
}

// connectStream opens the upstream SSE connection, retrying transport
// failures with backoff. Non-2xx replies are not retried: the provider
// answered, its answer just passes through.
func (g *Gateway) connectStream(ctx *fasthttp.RequestCtx, res resolvedRoute, body []byte, bearer string) (*http.Response, error) {
	var resp *http.Response

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL(res.plan), bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("User-Agent", upstream.UserAgent(g.version))
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		for k, v := range res.plan.ExtraHeaders {
			req.Header.Set(k, v)
		}
		req.Close = true

		r, err := g.client.Do(req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}

	notify := func(err error, wait time.Duration) {
		if g.metrics != nil {
			g.metrics.RecordStreamRetry()
		}
		g.log.Warn("stream_connect_retry",
			slog.String("error", err.Error()),
			slog.Duration("wait", wait),
		)
	}

	if err := backoff.RetryNotify(attempt, backoff.WithContext(streamConnectBackoff(), ctx), notify); err != nil {
		return nil, err
	}
	return resp, nil
}
