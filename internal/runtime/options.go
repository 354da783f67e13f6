package runtime

import (
	"os"
)

type (
	GatewayOption func(*GatewayCtx)

	RelayOption func(*RelayCtx)
)

func WithGatewayTermination(ch chan os.Signal) GatewayOption {
	return func(ctx *GatewayCtx) {
		ctx.shutdownChannel = ch
	}
}

func WithRelayTermination(ch chan os.Signal) RelayOption {
	return func(ctx *RelayCtx) {
		ctx.shutdownChannel = ch
	}
}

func WithWaitingForServer() GatewayOption {
	return func(ctx *GatewayCtx) {
		ctx.serverReady = make(chan struct{})
	}
}
