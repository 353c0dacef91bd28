package coord

import (
	"context"
	"net/http"

	"github.com/teranos/blocksync/transport"
)

// PipeDialer connects members to an in-process hub. Each dial starts a hub
// session on the far end of a fresh pipe.
func PipeDialer(ctx context.Context, hub *Hub) Dialer {
	return func(context.Context) (transport.Conn, error) {
		local, remote := transport.PipeSize(64)
		go func() { _ = hub.Serve(ctx, remote) }()
		return local, nil
	}
}

// WebsocketDialer connects members to a hub served over HTTP at url
// (ws:// or wss://).
func WebsocketDialer(url string, header http.Header) Dialer {
	return func(ctx context.Context) (transport.Conn, error) {
		return transport.Dial(ctx, url, header)
	}
}
