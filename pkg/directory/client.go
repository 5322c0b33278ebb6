package directory

import (
	"fmt"
	"net"
	"time"

	"github.com/onionmesh/onionmesh/internal/protocol"
	"github.com/onionmesh/onionmesh/pkg/onion"
)

// Client talks to a directory server over one dial-send-recv-close round
// trip per call, with no retry (§4.1).
type Client struct {
	addr    string
	timeout time.Duration
}

// NewClient builds a client for the directory listening at addr.
func NewClient(addr string) *Client {
	return &Client{addr: addr, timeout: 5 * time.Second}
}

// Register publishes d, upserting by (ip, port) at the directory.
func (c *Client) Register(d onion.Descriptor) error {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return fmt.Errorf("dial directory: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	err = protocol.WritePacket(conn, &onion.DirPacket{
		Type:      onion.TypeDir,
		Command:   onion.CmdDirUpdate,
		IP:        d.IP,
		Port:      d.Port,
		PublicExp: d.RSAExp,
		Modulus:   d.RSAMod,
	})
	if err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	reply, err := protocol.ReadPacket(conn)
	if err != nil {
		return fmt.Errorf("read register reply: %w", err)
	}
	dp, ok := reply.(*onion.DirPacket)
	if !ok || dp.Updated == 0 {
		return fmt.Errorf("directory rejected registration")
	}
	return nil
}

// Query retrieves the full relay registry, ordered by registration time.
func (c *Client) Query() ([]onion.Descriptor, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("dial directory: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	err = protocol.WritePacket(conn, &onion.DirPacket{
		Type:    onion.TypeDir,
		Command: onion.CmdDirQuery,
	})
	if err != nil {
		return nil, fmt.Errorf("send query: %w", err)
	}

	reply, err := protocol.ReadPacket(conn)
	if err != nil {
		return nil, fmt.Errorf("read query reply: %w", err)
	}
	dp, ok := reply.(*onion.DirPacket)
	if !ok {
		return nil, fmt.Errorf("unexpected directory reply")
	}
	return dp.Registry, nil
}
