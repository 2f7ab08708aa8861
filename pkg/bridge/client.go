package bridge

import "net"

// Client is the router-side (lumen's) half of the bridge connection, used
// in tests to stand in for lumen without spinning up the real binary.
type Client struct {
	conn *net.UnixConn
}

// Dial connects to a running Server's socket.
func Dial(path string) (*Client, error) {
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Send(m Message) error { return WriteMessage(c.conn, m) }

func (c *Client) Receive() (Message, error) { return ReadMessage(c.conn) }

func (c *Client) Close() error { return c.conn.Close() }

// Respond answers a request this client received, mirroring the shape
// Server.respond uses on the other end.
func (c *Client) Respond(req Message, payload []byte, status int32) error {
	resp := Message{
		Header: MessageHeader{
			Command:   req.Header.Command,
			Response:  true,
			Status:    status,
			Requester: req.Header.Requester,
		},
		RequestID: req.RequestID,
		Payload:   payload,
	}
	return c.Send(resp)
}
