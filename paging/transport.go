package paging

import (
	"context"
	"time"

	goldap "github.com/go-ldap/ldap/v3"

	"pagedldap/ldap"
)

/*
Transport is the directory search primitive a session runs on: fire a search with controls, wait
for its single result, or abandon it. Implementations must allow Cancel to be called from another
goroutine while AwaitResult is blocked.
*/
type Transport interface {
	Search(ctx context.Context, req *ldap.SearchRequest, ctrls []goldap.Control) (ldap.Handle, error)
	AwaitResult(ctx context.Context, h ldap.Handle, timeout time.Duration) (*ldap.Result, error)
	Cancel(h ldap.Handle) error
}

var _ Transport = (*ldap.Conn)(nil)
