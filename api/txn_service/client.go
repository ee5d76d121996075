package txnservice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/gojotxn/core/auth"
	"github.com/sushant-115/gojotxn/core/cluster"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/pkg/connection"
)

const defaultCallTimeout = 10 * time.Second

// Client calls the transaction service of other servers over pooled
// connections. It implements transaction.Transport.
type Client struct {
	pool    *connection.ConnectionPoolManager
	timeout time.Duration
	logger  *zap.Logger
}

var _ transaction.Transport = (*Client)(nil)

// NewClient returns a client on top of pool. A zero timeout means ten seconds.
func NewClient(pool *connection.ConnectionPoolManager, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{pool: pool, timeout: timeout, logger: logger.Named("txn_client")}
}

func (c *Client) invoke(ctx context.Context, address, method string, in, out interface{}) error {
	conn, err := c.pool.Get(address)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return conn.Invoke(ctx, fullMethod(method), in, out, grpc.CallContentSubtype(CodecName))
}

func (c *Client) ListTransactions(ctx context.Context, address string, req transaction.ListRequest) ([]transaction.Info, error) {
	var resp ListResponse
	if err := c.invoke(ctx, address, "List", &req, &resp); err != nil {
		return nil, fromStatus(err, 0)
	}
	return resp.Transactions, nil
}

func (c *Client) AbortAllWrite(ctx context.Context, address string, req transaction.AbortRequest) (int, error) {
	var resp AbortAllWriteResponse
	if err := c.invoke(ctx, address, "AbortAllWrite", &req, &resp); err != nil {
		return 0, fromStatus(err, 0)
	}
	return resp.Aborted, nil
}

func (c *Client) transactionCall(ctx context.Context, address, method string, id transaction.ID, database string) (transaction.Status, error) {
	req := TransactionRequest{ID: id, Database: database}
	if ident, ok := auth.FromContext(ctx); ok {
		req.Identity = &ident
	}
	var resp StatusResponse
	if err := c.invoke(ctx, address, method, &req, &resp); err != nil {
		return transaction.StatusUndefined, fromStatus(err, id)
	}
	return transaction.ParseStatus(resp.Status), nil
}

// Status asks the server at address for the status of id.
func (c *Client) Status(ctx context.Context, address string, id transaction.ID, database string) (transaction.Status, error) {
	return c.transactionCall(ctx, address, "Status", id, database)
}

func (c *Client) Commit(ctx context.Context, address string, id transaction.ID, database string) error {
	_, err := c.transactionCall(ctx, address, "Commit", id, database)
	return err
}

func (c *Client) Abort(ctx context.Context, address string, id transaction.ID, database string) error {
	_, err := c.transactionCall(ctx, address, "Abort", id, database)
	return err
}

// Hold pauses commits on the server at address.
func (c *Client) Hold(ctx context.Context, address string, timeout time.Duration) error {
	req := HoldRequest{TimeoutMillis: timeout.Milliseconds()}
	if err := c.invoke(ctx, address, "Hold", &req, &Empty{}); err != nil {
		return fromStatus(err, 0)
	}
	return nil
}

func (c *Client) Release(ctx context.Context, address string) error {
	if err := c.invoke(ctx, address, "Release", &Empty{}, &Empty{}); err != nil {
		return fromStatus(err, 0)
	}
	return nil
}

// Members returns the membership registry as seen by the server at address.
func (c *Client) Members(ctx context.Context, address string) (*MembersResponse, error) {
	var resp MembersResponse
	if err := c.invoke(ctx, address, "Members", &Empty{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Join registers info through any of seeds. A seed that is not the
// membership leader is asked for the leader's address, which is tried next.
func (c *Client) Join(ctx context.Context, seeds []string, info cluster.ServerInfo) (cluster.ServerInfo, error) {
	var errs []error
	for _, seed := range seeds {
		registered, err := c.join(ctx, seed, info)
		if err == nil {
			return registered, nil
		}
		if status.Code(err) != codes.Unavailable {
			errs = append(errs, fmt.Errorf("%s: %w", seed, err))
			continue
		}
		members, merr := c.Members(ctx, seed)
		if merr != nil || members.Leader == "" {
			errs = append(errs, fmt.Errorf("%s: %w", seed, err))
			continue
		}
		for _, srv := range members.Servers {
			if srv.ID != members.Leader {
				continue
			}
			c.logger.Info("redirecting join to membership leader",
				zap.String("seed", seed), zap.String("leader", srv.ID), zap.String("address", srv.Address))
			registered, err = c.join(ctx, srv.Address, info)
			if err == nil {
				return registered, nil
			}
			errs = append(errs, fmt.Errorf("%s: %w", srv.Address, err))
		}
	}
	if len(errs) == 0 {
		return cluster.ServerInfo{}, errors.New("no seed addresses to join")
	}
	return cluster.ServerInfo{}, errors.Join(errs...)
}

func (c *Client) join(ctx context.Context, address string, info cluster.ServerInfo) (cluster.ServerInfo, error) {
	var resp JoinResponse
	if err := c.invoke(ctx, address, "Join", &JoinRequest{Server: info}, &resp); err != nil {
		return cluster.ServerInfo{}, err
	}
	return resp.Server, nil
}
