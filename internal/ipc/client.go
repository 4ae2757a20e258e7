package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func call[Resp any](c *Client, method string, req any) (*Resp, error) {
	var resp Resp
	if err := c.client.Call(ServiceName+"."+method, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Enqueue admits the URLs of one message.
func (c *Client) Enqueue(req EnqueueRequest) (*EnqueueResponse, error) {
	return call[EnqueueResponse](c, "Enqueue", req)
}

// Status retrieves daemon status; guildID scopes the queue counts.
func (c *Client) Status(guildID string) (*StatusResponse, error) {
	return call[StatusResponse](c, "Status", StatusRequest{GuildID: guildID})
}

// Metrics retrieves counters, engine-wide when guildID is empty.
func (c *Client) Metrics(guildID string) (*MetricsResponse, error) {
	return call[MetricsResponse](c, "Metrics", MetricsRequest{GuildID: guildID})
}

// Health retrieves the latest health report.
func (c *Client) Health(refresh bool) (*HealthResponse, error) {
	return call[HealthResponse](c, "Health", HealthRequest{Refresh: refresh})
}

// List returns queue items.
func (c *Client) List(req ListRequest) (*ListResponse, error) {
	return call[ListResponse](c, "List", req)
}

// Describe returns a single item.
func (c *Client) Describe(id string) (*DescribeResponse, error) {
	return call[DescribeResponse](c, "Describe", DescribeRequest{ID: id})
}

// Clear removes a guild's non-processing items.
func (c *Client) Clear(guildID string) (*ClearResponse, error) {
	return call[ClearResponse](c, "Clear", ClearRequest{GuildID: guildID})
}

// Pause suspends claiming.
func (c *Client) Pause() (*PauseResponse, error) {
	return call[PauseResponse](c, "Pause", PauseRequest{})
}

// Resume re-enables claiming.
func (c *Client) Resume() (*PauseResponse, error) {
	return call[PauseResponse](c, "Resume", ResumeRequest{})
}

// TestNotification sends a test notification through the daemon.
func (c *Client) TestNotification() (*TestNotificationResponse, error) {
	return call[TestNotificationResponse](c, "TestNotification", TestNotificationRequest{})
}
