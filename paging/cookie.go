package paging

import (
	"bytes"
	"encoding/hex"
)

/*
Cookie is the opaque continuation token the server hands out with every page but the last.
The client never looks inside: it only checks for emptiness and compares values. An empty cookie
on a request starts a search, on a response it ends one.
*/
type Cookie []byte

func (c Cookie) IsEmpty() bool { return len(c) == 0 }

func (c Cookie) Equal(other Cookie) bool { return bytes.Equal(c, other) }

// String renders the cookie in hex for logs; "<empty>" when there is none.
func (c Cookie) String() string {
	if c.IsEmpty() {
		return "<empty>"
	}
	return hex.EncodeToString(c)
}

// clone copies the bytes so no two owners share a backing array. The empty cookie clones to nil.
func (c Cookie) clone() Cookie {
	if c.IsEmpty() {
		return nil
	}
	return append(Cookie(nil), c...)
}
