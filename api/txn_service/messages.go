package txnservice

import (
	"github.com/sushant-115/gojotxn/core/auth"
	"github.com/sushant-115/gojotxn/core/cluster"
	"github.com/sushant-115/gojotxn/core/transaction"
)

// TransactionRequest addresses a single transaction.
type TransactionRequest struct {
	ID       transaction.ID `json:"id"`
	Database string         `json:"database,omitempty"`
	Identity *auth.Identity `json:"identity,omitempty"`
}

type StatusResponse struct {
	ID     transaction.ID `json:"id"`
	Status string         `json:"status"`
}

type ListResponse struct {
	Transactions []transaction.Info `json:"transactions"`
}

type AbortAllWriteResponse struct {
	Aborted int `json:"aborted"`
}

type HoldRequest struct {
	TimeoutMillis int64 `json:"timeout_ms"`
}

type Empty struct{}

// JoinRequest asks the membership leader to admit a server.
type JoinRequest struct {
	Server cluster.ServerInfo `json:"server"`
}

type JoinResponse struct {
	Server cluster.ServerInfo `json:"server"`
}

type MembersResponse struct {
	Servers []cluster.ServerInfo `json:"servers"`
	Leader  string               `json:"leader,omitempty"`
}
