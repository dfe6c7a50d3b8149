package ws_channel

import (
	"context"
	"encoding/json"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"io"
	"net"
)

type WSClient struct {
	wsConn net.Conn
	rw     io.ReadWriter
}

// Connect dials the event stream at server, e.g. "ws://127.0.0.1:8765".
func (client *WSClient) Connect(ctx context.Context, server string) error {
	wsConn, br, _, err := ws.DefaultDialer.Dial(ctx, server+"/ws")
	if err != nil {
		return err
	}
	client.wsConn = wsConn
	client.rw = wsConn
	if br != nil {
		// Frames sent right after the handshake may already sit in the handshake buffer.
		client.rw = struct {
			io.Reader
			io.Writer
		}{br, wsConn}
	}
	return nil
}

// Next blocks until the next event arrives.
func (client *WSClient) Next() (Event, error) {
	var event Event
	msg, err := wsutil.ReadServerText(client.rw)
	if err != nil {
		return event, err
	}
	err = json.Unmarshal(msg, &event)
	return event, err
}

func (client *WSClient) Close() error {
	if client.wsConn == nil {
		return nil
	}
	_ = wsutil.WriteClientMessage(client.wsConn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	return client.wsConn.Close()
}
