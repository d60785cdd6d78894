package proxy

import (
	"time"

	"github.com/nulpointcorp/routiium/internal/dialect"
	"github.com/nulpointcorp/routiium/internal/dialect/bedrock"
	"github.com/nulpointcorp/routiium/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// forwardBedrock sends the request to AWS Bedrock and converts the native
// reply back to the client's dialect. The exchange is always buffered;
// stream:true requests receive a complete response.
func (g *Gateway) forwardBedrock(ctx *fasthttp.RequestCtx, api string, res resolvedRoute, body []byte) int {
	if g.bedrock == nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"bedrock upstream is not configured",
			apierr.TypeServerError, apierr.CodeUpstreamError)
		return fasthttp.StatusBadGateway
	}

	chatBody := body
	if api == dialect.APIResponses {
		converted, err := dialect.ResponsesToChatRequest(body)
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				"cannot convert responses request: "+err.Error(),
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return fasthttp.StatusBadRequest
		}
		chatBody = converted
	}

	modelID, payload, _, err := bedrock.BuildRequest(chatBody)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"cannot convert request for bedrock: "+err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return fasthttp.StatusBadRequest
	}
	g.recordConversion(api, "bedrock")

	start := time.Now()
	status, respBody, err := g.bedrock.Invoke(ctx, modelID, payload)
	if g.metrics != nil {
		g.metrics.ObserveUpstream("bedrock", status, time.Since(start))
	}
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"bedrock invocation failed: "+err.Error(),
			apierr.TypeServerError, apierr.CodeUpstreamError)
		return fasthttp.StatusBadGateway
	}

	if status < 200 || status >= 300 {
		ctx.SetStatusCode(status)
		ctx.SetContentType("application/json")
		ctx.SetBody(respBody)
		return status
	}

	chatResp, err := bedrock.ParseResponse(modelID, respBody)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to convert bedrock response: "+err.Error(),
			apierr.TypeServerError, apierr.CodeInternalError)
		return fasthttp.StatusInternalServerError
	}
	g.recordConversion("bedrock", dialect.APIChat)

	final := chatResp
	if api == dialect.APIResponses {
		if converted, cerr := dialect.ChatToResponsesResponse(chatResp); cerr == nil {
			final = converted
			g.recordConversion(dialect.APIChat, dialect.APIResponses)
		}
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(final)
	return fasthttp.StatusOK
}
